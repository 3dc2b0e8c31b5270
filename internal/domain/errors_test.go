package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Repository.GetByID", ErrNotFound, "memory 'foo'")
	want := "Repository.GetByID: memory 'foo': memory not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Consolidation.Run", ErrConsolidationFailed, "")
	want := "Consolidation.Run: consolidation run aborted"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("VectorRetriever.Search", ErrDimensionMismatch, "expected 768, got 384")
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Error("errors.Is should match ErrDimensionMismatch")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("EmbeddingProvider.Embed", ErrProviderUnavailable, "bedrock")
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "EmbeddingProvider.Embed" {
		t.Errorf("Op = %q, want %q", de.Op, "EmbeddingProvider.Embed")
	}
}

// --- Severity tests ---

func TestNewDomainError_DefaultSeverity(t *testing.T) {
	assert.Equal(t, SeverityFatal, NewDomainError("op", ErrNotFound, "").Severity)
	assert.Equal(t, SeverityRecoverable, NewDomainError("op", ErrProviderUnavailable, "").Severity)
}

func TestWithSeverity_Overrides(t *testing.T) {
	err := NewDomainError("op", ErrStorageWrite, "").WithSeverity(SeverityRecoverable)
	assert.Equal(t, SeverityRecoverable, err.Severity)
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeRepositoryNotFound, ErrorCodeOf(ErrNotFound))
	assert.Equal(t, CodeProviderUnavailable, ErrorCodeOf(ErrProviderUnavailable))
	assert.Equal(t, CodeVectorDimensionMismatch, ErrorCodeOf(ErrDimensionMismatch))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("Repository.GetByID", ErrNotFound, "memory 'foo'")
	assert.Equal(t, CodeRepositoryNotFound, ErrorCodeOf(err))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrReindexFailed)
	assert.Equal(t, CodeReindexFailed, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestDomainError_Code(t *testing.T) {
	err := NewDomainError("Scheduler.Run", ErrAlreadyRunning, "consolidate")
	assert.Equal(t, CodeAlreadyRunning, err.Code())
}

func TestDomainError_CodeUnknownSentinel(t *testing.T) {
	err := NewDomainError("Op", fmt.Errorf("custom"), "detail")
	assert.Equal(t, CodeUnknown, err.Code())
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
}

// --- NewSubSystemError tests ---

func TestNewSubSystemError_Format(t *testing.T) {
	err := NewSubSystemError("consolidation", "Run", ErrNotFound, "candidate-123")
	assert.Equal(t, "Run: candidate-123: memory not found", err.Error())
}

func TestNewSubSystemError_SubSystemField(t *testing.T) {
	err := NewSubSystemError("consolidation", "Run", ErrNotFound, "candidate-123")
	assert.Equal(t, "consolidation", err.SubSystem)
}

func TestNewSubSystemError_Unwrap(t *testing.T) {
	err := NewSubSystemError("embedding", "Embed", ErrProviderUnavailable, "")
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
}

func TestNewSubSystemError_BackwardCompatible(t *testing.T) {
	err := NewDomainError("Op", ErrNotFound, "x")
	assert.Equal(t, "", err.SubSystem)
}

// --- WrapOp tests ---

func TestWrapOp_Nil(t *testing.T) {
	assert.Nil(t, WrapOp("anything", nil))
}

func TestWrapOp_Format(t *testing.T) {
	err := WrapOp("Repository.GetByID", ErrNotFound)
	assert.Equal(t, "Repository.GetByID: memory not found", err.Error())
}

func TestWrapOp_PreservesIs(t *testing.T) {
	err := WrapOp("Repository.GetByID", ErrNotFound)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestWrapOp_PreservesErrorCode(t *testing.T) {
	err := WrapOp("Repository.GetByID", ErrNotFound)
	assert.Equal(t, CodeRepositoryNotFound, ErrorCodeOf(err))
}

func TestWrapOp_Chain(t *testing.T) {
	inner := WrapOp("inner", ErrSearchFailed)
	outer := WrapOp("outer", inner)
	assert.Equal(t, "outer: inner: hybrid search could not complete", outer.Error())
	assert.True(t, errors.Is(outer, ErrSearchFailed))
}

// --- IsRetryableError tests ---

func TestIsRetryableError_ProviderUnavailable(t *testing.T) {
	assert.True(t, IsRetryableError(ErrProviderUnavailable))
}

func TestIsRetryableError_QuotaExceeded(t *testing.T) {
	assert.True(t, IsRetryableError(ErrQuotaExceeded))
}

func TestIsRetryableError_Wrapped(t *testing.T) {
	err := fmt.Errorf("embed call: %w", ErrProviderUnavailable)
	assert.True(t, IsRetryableError(err))
}

func TestIsRetryableError_DomainError(t *testing.T) {
	err := NewDomainError("EmbeddingProvider.Embed", ErrProviderUnavailable, "ollama")
	assert.True(t, IsRetryableError(err))
}

func TestIsRetryableError_NotRetryable(t *testing.T) {
	assert.False(t, IsRetryableError(NewDomainError("op", ErrNotFound, "")))
	assert.False(t, IsRetryableError(fmt.Errorf("random error")))
}

func TestIsRetryableError_Nil(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}
