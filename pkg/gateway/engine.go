package gateway

import (
	"context"
	"errors"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/credmux/credmux/pkg/config"
	"github.com/credmux/credmux/pkg/logutil"
	"github.com/credmux/credmux/pkg/pool"
	"github.com/credmux/credmux/pkg/upstream"
)

// CallFunc issues one upstream generate call under a credential grant.
type CallFunc func(ctx context.Context, grant *pool.Grant, model string, request []byte, stream bool) (*upstream.CallResult, error)

// Engine runs the acquire/call/classify/rotate loop for one provider.
// Connection failures retry the same credential with backoff; upstream
// rejections report to the pool and rotate to the next credential, up to
// the rotation cap.
type Engine struct {
	provider string
	pool     *pool.Pool
	call     CallFunc
	cfg      config.PoolConfig
	log      *log.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewEngine(provider string, p *pool.Pool, call CallFunc, cfg config.PoolConfig) *Engine {
	return &Engine{
		provider: provider,
		pool:     p,
		call:     call,
		cfg:      cfg,
		log:      logutil.Component("engine").With("provider", provider),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Outcome is a successful upstream response still holding its credential
// lease. The caller must Finish after consuming the body.
type Outcome struct {
	Grant  *pool.Grant
	Result *upstream.CallResult

	engine *Engine
	caller string
	done   bool
}

// Finish releases the lease and clears the credential's failure streak.
func (o *Outcome) Finish(ctx context.Context) {
	if o == nil || o.done {
		return
	}
	o.done = true
	o.Result.Close()
	o.engine.pool.ReportSuccess(ctx, o.Grant.CredentialID)
	o.engine.pool.Release(ctx, o.Grant.CredentialID, o.caller)
}

// Execute runs a request to completion of headers: it returns once an
// upstream answered 2xx, or with a classified error once the rotation
// budget or the pool is exhausted.
func (e *Engine) Execute(ctx context.Context, callerID, model string, request []byte, stream bool) (*Outcome, error) {
	var lastErr error
	for rotation := 0; rotation < e.cfg.RotationLimit; rotation++ {
		grant, err := e.pool.Acquire(ctx, model, callerID, 0)
		if err != nil {
			if errors.Is(err, pool.ErrExhausted) {
				if lastErr != nil {
					return nil, exhaustedErr(lastErr, "no usable credential remains")
				}
				return nil, gwErr(KindPoolExhausted, "no credential available", err)
			}
			return nil, gwErr(KindTransientUpstream, "credential selection failed", err)
		}

		res, err := e.callWithRetries(ctx, grant, model, request, stream)
		if err != nil {
			e.pool.Release(ctx, grant.CredentialID, callerID)
			if ctx.Err() != nil {
				return nil, gwErr(KindTransientUpstream, "request cancelled", ctx.Err())
			}
			return nil, gwErr(KindTransientUpstream, "upstream unreachable", err)
		}

		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			return &Outcome{Grant: grant, Result: res, engine: e, caller: callerID}, nil

		case res.StatusCode == 429:
			serr := res.ReadError(e.now())
			var se *upstream.StatusError
			var resetAt time.Time
			if errors.As(serr, &se) {
				resetAt = se.ResetAt
			}
			e.log.Warn("upstream rate limited", "credential", grant.CredentialID, "reset", resetAt)
			e.pool.ReportRateLimited(ctx, grant.CredentialID, resetAt)
			e.pool.Release(ctx, grant.CredentialID, callerID)
			lastErr = &GatewayError{Kind: KindUpstreamRateLimited, Message: "upstream rate limited", Cause: serr, RetryAfter: resetAt}

		case res.StatusCode == 401 || res.StatusCode == 403:
			serr := res.ReadError(e.now())
			e.log.Error("credential rejected by upstream", "credential", grant.CredentialID, "status", res.StatusCode)
			e.pool.ReportForbidden(ctx, grant.CredentialID)
			e.pool.Release(ctx, grant.CredentialID, callerID)
			lastErr = gwErr(KindPermanentCredential, "credential rejected by upstream", serr)

		case res.StatusCode >= 400 && res.StatusCode < 500:
			serr := res.ReadError(e.now())
			e.pool.Release(ctx, grant.CredentialID, callerID)
			var se *upstream.StatusError
			msg := "upstream rejected request"
			if errors.As(serr, &se) && se.Message != "" {
				msg = se.Message
			}
			return nil, gwErr(KindClientRequest, msg, serr)

		default:
			serr := res.ReadError(e.now())
			e.pool.Release(ctx, grant.CredentialID, callerID)
			lastErr = gwErr(KindTransientUpstream, "upstream error", serr)
		}
	}
	if lastErr != nil {
		return nil, exhaustedErr(lastErr, "credential rotation budget exhausted")
	}
	return nil, gwErr(KindPoolExhausted, "credential rotation budget exhausted", nil)
}

// exhaustedErr wraps the last rotation failure for the client. A run of
// rate-limit rejections stays a 429 so clients back off with the upstream
// reset hint; everything else reads as pool exhaustion.
func exhaustedErr(lastErr error, msg string) error {
	var ge *GatewayError
	if errors.As(lastErr, &ge) && ge.Kind == KindUpstreamRateLimited {
		return lastErr
	}
	return gwErr(KindPoolExhausted, msg, lastErr)
}

// callWithRetries retries transport-level failures against the same
// credential. HTTP responses of any status are not retried here.
func (e *Engine) callWithRetries(ctx context.Context, grant *pool.Grant, model string, request []byte, stream bool) (*upstream.CallResult, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.ConnectRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.cfg.ConnectBackoff()); err != nil {
				return nil, err
			}
		}
		res, err := e.call(ctx, grant, model, request, stream)
		if err == nil {
			return res, nil
		}
		lastErr = err
		e.log.Warn("upstream connect failed", "credential", grant.CredentialID, "attempt", attempt+1, "err", err)
	}
	return nil, lastErr
}
