package executor

import (
	"errors"
	"strings"

	"github.com/coderelay/relay/pkg/errkind"
	"github.com/coderelay/relay/pkg/runner"
)

var quotaFragments = []string{
	"rate limit",
	"rate_limit",
	"quota",
	"429",
	"too many requests",
	"usage limit",
	"credit balance",
}

var permanentFragments = []string{
	"invalid request",
	"bad request",
	"unknown model",
	"model not found",
	"unauthorized",
	"invalid api key",
	"authentication",
	"400",
	"401",
	"403",
}

var transientFragments = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"network",
	"temporarily unavailable",
	"502",
	"503",
	"504",
	"econnreset",
	"etimedout",
}

// classify maps a dispatch failure onto the error taxonomy. Errors already
// classified by the runner (timeouts, spawn failures, cancellation) pass
// through; provider exit errors are classified by their stderr.
func classify(err error) *errkind.Error {
	var classified *errkind.Error
	if errors.As(err, &classified) {
		return classified
	}
	var exitErr *runner.ExitError
	if errors.As(err, &exitErr) {
		stderr := strings.ToLower(exitErr.Stderr)
		for _, frag := range quotaFragments {
			if strings.Contains(stderr, frag) {
				return errkind.Wrap(errkind.Quota, err, "%s reported quota exhaustion", exitErr.Binary)
			}
		}
		for _, frag := range permanentFragments {
			if strings.Contains(stderr, frag) {
				return errkind.Wrap(errkind.Permanent, err, "%s rejected the request", exitErr.Binary)
			}
		}
		for _, frag := range transientFragments {
			if strings.Contains(stderr, frag) {
				return errkind.Wrap(errkind.Transient, err, "%s hit a transient fault", exitErr.Binary)
			}
		}
		return errkind.Wrap(errkind.Permanent, err, "%s failed", exitErr.Binary)
	}
	return errkind.Wrap(errkind.Permanent, err, "backend dispatch failed")
}
