package cli

import (
	"crypto"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xhsm/dataprotection"
)

// ProtectCmd encrypts data with envelope encryption,
// the data key is wrapped with an RSA key on the token
type ProtectCmd struct {
	Key string `required:"" help:"RSA key ID"`
	In  string `required:"" help:"file with data to protect, or - for stdin"`
	Out string `help:"location to write the protected blob in base64, if not set, the output will be printed to STDOUT"`
}

// Run the command
func (a *ProtectCmd) Run(ctx *Cli) error {
	p, err := envelopeProvider(ctx, a.Key)
	if err != nil {
		return err
	}

	data, err := ctx.ReadFile(a.In)
	if err != nil {
		return errors.WithStack(err)
	}

	protected, err := p.Protect(ctx.Context(), data)
	if err != nil {
		return errors.WithMessage(err, "failed to protect")
	}

	b64 := base64.RawURLEncoding.EncodeToString(protected)
	if a.Out == "" {
		fmt.Fprintln(ctx.Writer(), b64)
	} else {
		err = os.WriteFile(a.Out, []byte(b64), 0600)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// UnprotectCmd decrypts a protected blob
type UnprotectCmd struct {
	Key string `required:"" help:"RSA key ID"`
	In  string `required:"" help:"file with the protected blob in base64, or - for stdin"`
	Out string `help:"location to write the data, if not set, the output will be printed to STDOUT"`
}

// Run the command
func (a *UnprotectCmd) Run(ctx *Cli) error {
	p, err := envelopeProvider(ctx, a.Key)
	if err != nil {
		return err
	}

	b64, err := ctx.ReadFile(a.In)
	if err != nil {
		return errors.WithStack(err)
	}
	protected, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(b64)))
	if err != nil {
		return errors.WithMessage(err, "failed to base64 decode")
	}

	data, err := p.Unprotect(ctx.Context(), protected)
	if err != nil {
		return errors.WithMessage(err, "failed to unprotect")
	}

	if a.Out == "" {
		_, _ = ctx.Writer().Write(data)
	} else {
		err = os.WriteFile(a.Out, data, 0600)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func envelopeProvider(ctx *Cli, keyID string) (dataprotection.Provider, error) {
	_, defprov := ctx.CryptoProv()

	prv, err := defprov.GetKey(keyID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	decrypter, ok := prv.(crypto.Decrypter)
	if !ok {
		return nil, errors.Errorf("loaded key of %T type does not support crypto.Decrypter", prv)
	}

	return dataprotection.NewEnvelope(decrypter)
}
