package session

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vivavoce/viva/pkg/exam/backend"
	"github.com/vivavoce/viva/pkg/exam/types"
)

// invokeBackend applies the degrade-and-retry policy: one retry on the
// selected tier, then a final attempt on the lite tier. A session is only
// aborted after all three attempts fail, and the partial ledger survives so
// the candidate is never charged for an unscoreable session.
func (o *Orchestrator) invokeBackend(ctx context.Context, req backend.Request) (backend.Response, types.Tier, error) {
	resp, err := o.converseWithRetry(ctx, req)
	if err == nil {
		return resp, req.Tier, nil
	}
	if !backend.Retryable(err) {
		return backend.Response{}, req.Tier, err
	}

	o.logger.Warn("backend tier exhausted, degrading to lite",
		"session_id", o.sess.ID, "tier", string(req.Tier), "error", err)

	req.Tier = types.TierLite
	resp, lastErr := o.backend.Converse(ctx, req)
	if lastErr != nil {
		return backend.Response{}, req.Tier, lastErr
	}
	return resp, types.TierLite, nil
}

func (o *Orchestrator) converseWithRetry(ctx context.Context, req backend.Request) (backend.Response, error) {
	var resp backend.Response

	backoff := retry.WithMaxRetries(1, retry.NewConstant(o.retryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		resp, err = o.backend.Converse(ctx, req)
		if err != nil && backend.Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return backend.Response{}, err
	}
	return resp, nil
}

// estimateSpeech approximates spoken duration from word count when the
// transport supplied no audio timing. 150 words per minute.
func estimateSpeech(text string) time.Duration {
	words := 0
	inWord := false
	for _, r := range text {
		switch r {
		case ' ', '\t', '\n', '\r':
			inWord = false
		default:
			if !inWord {
				words++
			}
			inWord = true
		}
	}
	return time.Duration(words) * 400 * time.Millisecond
}
