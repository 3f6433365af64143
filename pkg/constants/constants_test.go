package constants

import "testing"

func TestAllowedBinariesIncludeProviders(t *testing.T) {
	for name := range ProviderBinaries {
		if !AllowedBinaries[name] {
			t.Errorf("provider binary %q missing from AllowedBinaries", name)
		}
	}
}

func TestRetryBackoffIsAscending(t *testing.T) {
	for i := 1; i < len(RetryBackoff); i++ {
		if RetryBackoff[i] <= RetryBackoff[i-1] {
			t.Errorf("retry backoff must grow: step %d (%v) <= step %d (%v)", i, RetryBackoff[i], i-1, RetryBackoff[i-1])
		}
	}
}
