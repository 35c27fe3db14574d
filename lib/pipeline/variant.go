// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"sync"

	"github.com/bureau-foundation/chorus/lib/schema"
)

// VariantContext scopes one variant's execution: a child cancellation
// scope so one variant can be cut without touching its siblings, plus
// the identity under which its blocks and events are tagged.
type VariantContext struct {
	SessionID string
	MessageID string
	VariantID string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewVariantContext derives a variant scope from the turn's parent
// context. Cancelling the parent cancels every variant; Cancel cuts
// only this one.
func NewVariantContext(parent context.Context, sessionID, messageID, variantID string) *VariantContext {
	ctx, cancel := context.WithCancel(parent)
	return &VariantContext{
		SessionID: sessionID,
		MessageID: messageID,
		VariantID: variantID,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context returns the variant's cancellation scope.
func (variant *VariantContext) Context() context.Context { return variant.ctx }

// Cancel cuts this variant only. Idempotent.
func (variant *VariantContext) Cancel() { variant.cancel() }

// VariantResult pairs one variant's outcome with its identity. Err is
// non-nil for error and cancelled outcomes.
type VariantResult struct {
	VariantID string
	Outcome   TurnOutcome
	Err       error
}

// RunVariants fans one turn out across several variant scopes and
// collects every result. Failure is isolated: a variant that errors
// or is cancelled reports its own terminal status without disturbing
// its siblings. Results are returned in the order of the inputs.
func (engine *Engine) RunVariants(ctx context.Context, variants []*VariantContext, inputs []TurnInput) []VariantResult {
	results := make([]VariantResult, len(inputs))

	var group sync.WaitGroup
	for i := range inputs {
		group.Add(1)
		go func() {
			defer group.Done()
			runCtx := ctx
			if i < len(variants) && variants[i] != nil {
				runCtx = variants[i].Context()
			}
			outcome, err := engine.Run(runCtx, inputs[i])
			results[i] = VariantResult{
				VariantID: inputs[i].VariantID,
				Outcome:   outcome,
				Err:       err,
			}
		}()
	}
	group.Wait()
	return results
}

// NewVariants creates count variant records for a message, the first
// one active, each paired with its own cancellation scope.
func NewVariants(parent context.Context, sessionID, messageID string, count int) ([]schema.Variant, []*VariantContext) {
	variants := make([]schema.Variant, count)
	contexts := make([]*VariantContext, count)
	for i := range count {
		variantID := schema.NewVariantID()
		variants[i] = schema.Variant{
			ID:        variantID,
			MessageID: messageID,
			Status:    schema.VariantPending,
			Active:    i == 0,
		}
		contexts[i] = NewVariantContext(parent, sessionID, messageID, variantID)
	}
	return variants, contexts
}
