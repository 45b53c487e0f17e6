package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/loykin/frpvisor/internal/config"
	"github.com/loykin/frpvisor/pkg/client"
)

func TestAPIURLFromConfig(t *testing.T) {
	cases := []struct {
		listen, base, want string
	}{
		{"127.0.0.1:7400", "/api", "http://127.0.0.1:7400/api"},
		{"0.0.0.0:8000", "/ctl", "http://127.0.0.1:8000/ctl"},
		{":9000", "", "http://127.0.0.1:9000"},
		{"[::]:9000", "/api", "http://127.0.0.1:9000/api"},
		{"bad", "/api", ""},
	}
	for _, tc := range cases {
		c := cfg.Default()
		c.Server.Listen, c.Server.BasePath = tc.listen, tc.base
		assert.Equal(t, tc.want, apiURLFromConfig(&c), tc.listen)
	}
}

func TestPrintResult(t *testing.T) {
	var b bytes.Buffer
	printResult(&b, client.Result{OK: true, Message: "stopped", Killed: []int{3, 4}})
	printResult(&b, client.Result{OK: false, Message: "not running"})
	assert.Equal(t, "stopped killed 3,4\nnot running\n", b.String())
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "-", joinPIDs(nil))
	assert.Equal(t, "-", formatTime(time.Time{}))
	assert.NotEqual(t, "-", formatTime(time.Now()))
}

func TestPrintJSON(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, printJSON(&b, map[string]int{"a": 1}))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", b.String())
}
