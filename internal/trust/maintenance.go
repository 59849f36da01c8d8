package trust

import (
	"context"
	"time"

	"github.com/vyrodovalexey/admitgw/internal/observability"
)

// Default sweep intervals.
const (
	DefaultOCSPCleanupInterval = time.Hour
	DefaultCRLCleanupInterval  = 6 * time.Hour
)

// Maintain sweeps stale entries from both caches once.
func (v *Verifier) Maintain() (ocspRemoved, crlRemoved int) {
	ocspRemoved = v.ocsp.Cleanup()
	crlRemoved = v.crl.Cleanup()
	v.metrics.setCacheEntries(sourceOCSP, v.ocsp.Len())
	v.metrics.setCacheEntries(sourceCRL, v.crl.Len())
	return ocspRemoved, crlRemoved
}

// Run sweeps the OCSP and CRL caches on independent tickers until ctx is done.
// Zero intervals select the defaults.
func (v *Verifier) Run(ctx context.Context, ocspEvery, crlEvery time.Duration) {
	if ocspEvery <= 0 {
		ocspEvery = DefaultOCSPCleanupInterval
	}
	if crlEvery <= 0 {
		crlEvery = DefaultCRLCleanupInterval
	}

	ocspTicker := time.NewTicker(ocspEvery)
	defer ocspTicker.Stop()
	crlTicker := time.NewTicker(crlEvery)
	defer crlTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ocspTicker.C:
			if n := v.ocsp.Cleanup(); n > 0 {
				v.logger.Debug("swept OCSP cache", observability.Int("removed", n))
			}
			v.metrics.setCacheEntries(sourceOCSP, v.ocsp.Len())
		case <-crlTicker.C:
			if n := v.crl.Cleanup(); n > 0 {
				v.logger.Debug("swept CRL cache", observability.Int("removed", n))
			}
			v.metrics.setCacheEntries(sourceCRL, v.crl.Len())
		}
	}
}
