package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEnvironment(t *testing.T) {
	env, err := ParseEnvironment("development")
	assert.Nil(t, err)
	assert.True(t, env.IsDevelopment())

	env, err = ParseEnvironment("production")
	assert.Nil(t, err)
	assert.True(t, env.IsProduction())

	_, err = ParseEnvironment("staging")
	assert.NotNil(t, err)
}
