// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccumulator(t *testing.T) ReplyAccumulator {
	t.Helper()
	// Fall back to plain memory where CI mlock limits are too low.
	t.Setenv("ALEUTIAN_INSECURE_MEMORY", "true")

	acc, err := NewReplyAccumulator()
	require.NoError(t, err)
	return acc
}

func TestReplyAccumulator_AppendAndFinalize(t *testing.T) {
	acc := newTestAccumulator(t)

	require.NoError(t, acc.Append("The article "))
	require.NoError(t, acc.Append("argues that "))
	require.NoError(t, acc.Append("glaciers are retreating."))

	reply, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "The article argues that glaciers are retreating.", reply)
}

func TestReplyAccumulator_FinalizeTwiceFails(t *testing.T) {
	acc := newTestAccumulator(t)
	require.NoError(t, acc.Append("once"))

	_, err := acc.Finalize()
	require.NoError(t, err)

	_, err = acc.Finalize()
	assert.Error(t, err, "accumulator is single-use")
}

func TestReplyAccumulator_AppendAfterDestroyFails(t *testing.T) {
	acc := newTestAccumulator(t)
	acc.Destroy()

	assert.Error(t, acc.Append("too late"))
	assert.NotPanics(t, acc.Destroy, "Destroy is idempotent")
}

func TestReplyAccumulator_OverflowIsTerminal(t *testing.T) {
	acc := newTestAccumulator(t)

	big := strings.Repeat("a", 100*1024)
	require.NoError(t, acc.Append(big))
	require.NoError(t, acc.Append(big))
	assert.Error(t, acc.Append(big), "third 100 KB chunk exceeds the buffer")

	_, err := acc.Finalize()
	assert.Error(t, err, "overflowed replies must not be returned")
}

func TestReplyAccumulator_HasIdentity(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	assert.NotEmpty(t, acc.ID())
	assert.False(t, acc.CreatedAt().IsZero())

	other := newTestAccumulator(t)
	defer other.Destroy()
	assert.NotEqual(t, acc.ID(), other.ID())
}
