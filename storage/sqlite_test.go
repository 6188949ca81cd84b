package storage

import (
	"testing"
)

type nopLogger struct{}

func (nopLogger) Error(msg string, context ...interface{}) {}
func (nopLogger) Warn(msg string, context ...interface{})  {}
func (nopLogger) Info(msg string, context ...interface{})  {}
func (nopLogger) Debug(msg string, context ...interface{}) {}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore("", nopLogger{})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
