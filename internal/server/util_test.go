package server

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, sanitizeBase(c.in), c.in)
	}
}

func TestParseLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for query, want := range map[string]int{"": 0, "?limit=0": 0, "?limit=5": 5} {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/states"+query, nil)
		n, err := parseLimit(c)
		require.NoError(t, err, query)
		assert.Equal(t, want, n, query)
	}
	for _, query := range []string{"?limit=-1", "?limit=x", "?limit=999999"} {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/states"+query, nil)
		_, err := parseLimit(c)
		assert.Error(t, err, query)
	}
}
