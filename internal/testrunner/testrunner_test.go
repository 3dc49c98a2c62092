package testrunner

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// withCommandTable temporarily swaps the package-level command table so
// tests can exercise Run's sequencing/short-circuit logic with real,
// always-available binaries instead of go/pnpm/cargo/gradlew.
func withCommandTable(t *testing.T, table map[string][][]string, fn func()) {
	t.Helper()
	original := commandTables
	commandTables = table
	t.Cleanup(func() { commandTables = original })
	fn()
}

func TestRunUnknownLanguageFails(t *testing.T) {
	res := Run(context.Background(), t.TempDir(), "cobol", 0)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Output, "unknown language")
}

func TestRunPassesWhenAllCommandsSucceed(t *testing.T) {
	withCommandTable(t, map[string][][]string{
		"go": {{"true"}, {"true"}},
	}, func() {
		res := Run(context.Background(), t.TempDir(), "go", 0)
		assert.True(t, res.Passed)
	})
}

func TestRunShortCircuitsOnFirstFailure(t *testing.T) {
	calls := t.TempDir() + "/calls"
	withCommandTable(t, map[string][][]string{
		"go": {{"false"}, {"touch", calls}},
	}, func() {
		res := Run(context.Background(), t.TempDir(), "go", 0)
		assert.False(t, res.Passed)
		_, err := os.Stat(calls)
		assert.True(t, os.IsNotExist(err), "second command must not have run after the first failed")
	})
}

func TestRunHonorsCustomPerCommandTimeout(t *testing.T) {
	withCommandTable(t, map[string][][]string{
		"go": {{"sleep", "5"}},
	}, func() {
		res := Run(context.Background(), t.TempDir(), "go", 10*time.Millisecond)
		assert.False(t, res.Passed)
	})
}

func TestRunOneRespectsTimeout(t *testing.T) {
	_, err := runOne(context.Background(), t.TempDir(), []string{"sleep", "5"}, 10*time.Millisecond)
	assert.Error(t, err)
}
