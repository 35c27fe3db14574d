// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/bureau-foundation/chorus/lib/eventbus"
	"github.com/bureau-foundation/chorus/lib/llm"
	"github.com/bureau-foundation/chorus/lib/schema"
)

// startBlock appends a new streaming block to the variant's ledger and
// announces it. The returned pointer addresses the ledger entry; the
// caller mutates it until finishBlock. Sequence numbers are assigned
// here, strictly increasing per variant.
func (state *variantState) startBlock(kind schema.BlockKind, use *llm.ToolUse) *schema.Block {
	now := state.engine.config.Clock.Now()
	block := schema.Block{
		ID:        schema.NewBlockID(),
		MessageID: state.input.MessageID,
		VariantID: state.input.VariantID,
		Sequence:  state.sequence,
		Kind:      kind,
		Status:    schema.BlockStreaming,
		CreatedAt: now,
		UpdatedAt: now,
	}
	state.sequence++
	if use != nil {
		block.ToolCall = &schema.ToolCall{
			ID:      use.ID,
			Name:    use.Name,
			Input:   use.Input,
			BlockID: block.ID,
		}
	}
	state.blocks = append(state.blocks, block)
	entry := &state.blocks[len(state.blocks)-1]
	state.publishBlock(eventbus.BlockStarted, *entry, "")
	return entry
}

// finishBlock moves a block to a terminal status and announces it.
// Illegal transitions are ignored; the ledger's statuses only ever
// move forward.
func (state *variantState) finishBlock(block *schema.Block, status schema.BlockStatus) {
	if !block.Status.CanTransitionTo(status) {
		return
	}
	block.Status = status
	block.UpdatedAt = state.engine.config.Clock.Now()
	state.publishBlock(eventbus.BlockFinished, *block, "")
}

// emitBlock appends a block that is born complete (notices, tool
// results, approval records), publishing start and finish events
// around it.
func (state *variantState) emitBlock(block schema.Block) *schema.Block {
	now := state.engine.config.Clock.Now()
	block.ID = schema.NewBlockID()
	block.MessageID = state.input.MessageID
	block.VariantID = state.input.VariantID
	block.Sequence = state.sequence
	block.CreatedAt = now
	block.UpdatedAt = now
	state.sequence++

	block.Status = schema.BlockStreaming
	state.blocks = append(state.blocks, block)
	entry := &state.blocks[len(state.blocks)-1]
	state.publishBlock(eventbus.BlockStarted, *entry, "")
	state.finishBlock(entry, schema.BlockComplete)
	return entry
}

// emitNotice records an engine-generated notice, such as the
// round-limit truncation message.
func (state *variantState) emitNotice(text string) {
	state.emitBlock(schema.Block{Kind: schema.BlockNotice, Content: text})
}

func (state *variantState) publishBlock(eventType eventbus.BlockEventType, block schema.Block, delta string) {
	state.engine.config.Bus.PublishBlock(eventbus.BlockEvent{
		Type:      eventType,
		SessionID: state.input.SessionID,
		MessageID: state.input.MessageID,
		VariantID: state.input.VariantID,
		Block:     block,
		Delta:     delta,
	})
}
