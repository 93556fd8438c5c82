package database

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/mongo"
)

func unknownCommit() error {
	return mongo.CommandError{Code: 91, Message: "primary unreachable", Labels: []string{labelUnknownCommit}}
}

func TestCommitRetriesAreBounded(t *testing.T) {
	calls := 0
	err := commitWithRetry(context.Background(), func(context.Context) error {
		calls++
		return unknownCommit()
	})
	assert.Error(t, err)
	assert.True(t, hasLabel(err, labelUnknownCommit))
	assert.Equal(t, maxCommitAttempts, calls)
}

func TestCommitRetrySucceeds(t *testing.T) {
	calls := 0
	err := commitWithRetry(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return unknownCommit()
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCommitStopsOnOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("write conflict")
	err := commitWithRetry(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestCommitStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := commitWithRetry(ctx, func(context.Context) error {
		calls++
		cancel()
		return unknownCommit()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
