package pgerror

import (
	"errors"
	"testing"

	"github.com/intersystems-community/iris-pgwire/codes"
	"github.com/stretchr/testify/assert"
)

func TestFlattenNilErrorReturnsInternal(t *testing.T) {
	desc := Flatten(nil)
	assert.Equal(t, codes.Internal, desc.Code)
	assert.Equal(t, LevelFatal, desc.Severity)
}

func TestFlattenCarriesEveryDecoration(t *testing.T) {
	err := errors.New("boom")
	err = WithCode(err, codes.Syntax)
	err = WithDetail(err, "some detail")
	err = WithHint(err, "some hint")
	err = WithConstraintName(err, "fk_users_org")
	err = WithSource(err, "adapter.go", 42, "queryStatement")
	err = WithSeverity(err, LevelError)

	desc := Flatten(err)
	assert.Equal(t, codes.Syntax, desc.Code)
	assert.Equal(t, "boom", desc.Message)
	assert.Equal(t, "some detail", desc.Detail)
	assert.Equal(t, "some hint", desc.Hint)
	assert.Equal(t, "fk_users_org", desc.ConstraintName)
	assert.Equal(t, LevelError, desc.Severity)
	if assert.NotNil(t, desc.Source) {
		assert.Equal(t, "adapter.go", desc.Source.File)
		assert.EqualValues(t, 42, desc.Source.Line)
		assert.Equal(t, "queryStatement", desc.Source.Function)
	}
}

func TestFlattenDefaultsMissingDecorations(t *testing.T) {
	desc := Flatten(errors.New("plain"))
	assert.Equal(t, "", desc.Detail)
	assert.Equal(t, "", desc.Hint)
	assert.Nil(t, desc.Source)
}
