package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nidhogg/cyclops/internal/config"
)

func TestAPIAddr(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{Port: 9090}}

	assert.Equal(t, ":9090", apiAddr(cfg, "", false), "defaults to server.port")
	assert.Equal(t, "127.0.0.1:7000", apiAddr(cfg, "127.0.0.1:7000", false))
	assert.Empty(t, apiAddr(cfg, "", true))
	assert.Empty(t, apiAddr(cfg, ":7000", true))
}
