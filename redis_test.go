package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedisKeyPattern(t *testing.T) {
	tests := []struct {
		cluster string
		want    string
	}{
		{"startonce", "startonce:members:*"},
		{"team*", `team\*:members:*`},
		{"a?b", `a\?b:members:*`},
		{"[blue]", `\[blue\]:members:*`},
		{`back\slash`, `back\\slash:members:*`},
	}
	for _, tt := range tests {
		r := &RedisBackend{clusterName: tt.cluster}
		assert.Equal(t, tt.want, r.keyPattern("members"), "cluster %q", tt.cluster)
	}
}
