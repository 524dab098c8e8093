package db

import (
	"context"
	"errors"
	"testing"
)

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), txKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestWithTx_NoPoolRunsFn(t *testing.T) {
	called := false
	err := WithTx(context.Background(), nil, func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("fn was not invoked")
	}
}

func TestWithTx_NoPoolPropagatesError(t *testing.T) {
	want := errors.New("boom")
	err := WithTx(context.Background(), nil, func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
