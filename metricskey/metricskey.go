package metricskey

import "github.com/effective-security/metrics"

// Perf
var (
	// PerfCryptoOperation is perf metric
	PerfCryptoOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_crypto",
		Help:         "perf_crypto provides the sample metrics of crypto operations",
		RequiredTags: []string{"provider", "action"},
	}

	// PerfDataProtection is perf metric
	PerfDataProtection = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_dataprotection",
		Help:         "perf_dataprotection provides the sample metrics of protect and unprotect operations",
		RequiredTags: []string{"provider", "action"},
	}
)

// Metrics returns slice of metrics from this repo
var Metrics = []*metrics.Describe{
	&PerfCryptoOperation,
	&PerfDataProtection,
}
