package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTCPChecker_Reachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	checker := NewTCPChecker(ln.Addr().String())
	result := checker.Check(context.Background())

	assert.True(t, result.Healthy)
}

func TestTCPChecker_Unreachable(t *testing.T) {
	checker := NewTCPChecker("127.0.0.1:1").WithTimeout(100 * time.Millisecond)
	result := checker.Check(context.Background())

	assert.False(t, result.Healthy)
}

func TestTCPChecker_Type(t *testing.T) {
	checker := NewTCPChecker("127.0.0.1:9999")
	assert.Equal(t, CheckTypeTCP, checker.Type())
}
