package cryptoprov

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// InMemProvider specifies the in-memory provider name,
// used when no configuration file is given.
const InMemProvider = "inmem"

// ProviderLoader is interface for loading provider by manufacturer
type ProviderLoader func(cfg TokenConfig) (Provider, error)

var (
	lockLoaders sync.RWMutex
	loaders     = make(map[string]ProviderLoader)
)

// Register provider loader by manufacturer
func Register(manufacturer string, loader ProviderLoader) error {
	lockLoaders.Lock()
	defer lockLoaders.Unlock()

	if _, ok := loaders[manufacturer]; ok {
		return errors.Errorf("already registered: %s", manufacturer)
	}

	loaders[manufacturer] = loader

	return nil
}

// Unregister provider loader by manufacturer
func Unregister(manufacturer string) (ProviderLoader, error) {
	lockLoaders.Lock()
	defer lockLoaders.Unlock()

	if loader, ok := loaders[manufacturer]; ok {
		delete(loaders, manufacturer)
		return loader, nil
	}

	return nil, errors.Errorf("not registered: %s", manufacturer)
}

// Registered returns registered providers
func Registered() []string {
	lockLoaders.RLock()
	defer lockLoaders.RUnlock()

	list := []string{}
	for m := range loaders {
		list = append(list, m)
	}
	return list
}

func loaderFor(manufacturer string) (ProviderLoader, error) {
	lockLoaders.RLock()
	defer lockLoaders.RUnlock()

	loader, ok := loaders[manufacturer]
	if !ok {
		return nil, errors.Errorf("provider not registered: %s", manufacturer)
	}
	return loader, nil
}

// LoadProvider loads a single provider.
// An empty location or "inmem" loads the in-memory provider.
func LoadProvider(configLocation string) (Provider, error) {
	var tc TokenConfig
	if configLocation == "" || configLocation == InMemProvider {
		tc = NewTokenConfig(InMemProvider, "", "", "", "", "", "")
	} else {
		var err error
		tc, err = LoadTokenConfig(configLocation)
		if err != nil {
			return nil, err
		}
	}

	loader, err := loaderFor(tc.Manufacturer())
	if err != nil {
		return nil, err
	}

	prov, err := loader(tc)
	if err != nil {
		return nil, err
	}

	return prov, nil
}

// Load returns Crypto with loaded providers from the given config locations
func Load(defaultConfig string, providersConfigs []string) (*Crypto, error) {
	p, err := LoadProvider(defaultConfig)
	if err != nil {
		return nil, err
	}

	c, err := New(p, nil)
	if err != nil {
		return nil, err
	}
	for _, configLocation := range providersConfigs {
		p, err := LoadProvider(configLocation)
		if err != nil {
			return nil, err
		}
		err = c.Add(p)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}
