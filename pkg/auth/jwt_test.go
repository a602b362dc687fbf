package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestGate(t *testing.T, mutate func(*Config)) (*Gate, *testingclock.FakeClock) {
	t.Helper()
	cfg := Config{
		Secret:           "test-secret",
		Issuer:           "collab",
		Audience:         "whiteboard",
		MaxTokenAge:      24 * time.Hour,
		ClockSkew:        30 * time.Second,
		SessionFreshness: time.Hour,
		TokenTTL:         48 * time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	clk := testingclock.NewFakeClock(testNow)
	g, err := NewGate(cfg, clk)
	require.NoError(t, err)
	return g, clk
}

func TestVerifyRoundTrip(t *testing.T) {
	g, _ := newTestGate(t, nil)
	token, err := g.GenerateToken(Identity{UserID: "u1", Email: "u1@example.com", Name: "Ada", TenantID: "t1"})
	require.NoError(t, err)

	id, err := g.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "Ada", id.DisplayName())
	assert.Equal(t, "t1", id.TenantID)
	assert.Equal(t, testNow, id.IssuedAt.UTC())
}

func TestVerifyFailureCodes(t *testing.T) {
	g, clk := newTestGate(t, nil)
	other, _ := newTestGate(t, func(c *Config) { c.Secret = "other-secret" })
	wrongIssuer, _ := newTestGate(t, func(c *Config) { c.Issuer = "someone-else" })

	valid, err := g.GenerateToken(Identity{UserID: "u1"})
	require.NoError(t, err)
	forged, err := other.GenerateToken(Identity{UserID: "u1"})
	require.NoError(t, err)
	misIssued, err := wrongIssuer.GenerateToken(Identity{UserID: "u1"})
	require.NoError(t, err)
	future, err := g.GenerateToken(Identity{UserID: "u1", IssuedAt: testNow.Add(10 * time.Minute)})
	require.NoError(t, err)
	expired, err := g.GenerateToken(Identity{UserID: "u1", IssuedAt: testNow.Add(-2 * time.Hour), ExpiresAt: testNow.Add(-time.Hour)})
	require.NoError(t, err)
	old, err := g.GenerateToken(Identity{UserID: "u1", IssuedAt: testNow.Add(-25 * time.Hour), ExpiresAt: testNow.Add(time.Hour)})
	require.NoError(t, err)
	noSubject, err := g.GenerateToken(Identity{})
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	testCases := []struct {
		name  string
		token string
		code  string
	}{
		{name: "missing", token: "", code: CodeTokenMissing},
		{name: "garbage", token: "not-a-jwt", code: CodeTokenInvalid},
		{name: "wrong secret", token: forged, code: CodeTokenInvalid},
		{name: "wrong issuer", token: misIssued, code: CodeTokenInvalid},
		{name: "alg none", token: unsigned, code: CodeTokenInvalid},
		{name: "issued in the future", token: future, code: CodeTokenNotYetValid},
		{name: "expired", token: expired, code: CodeTokenExpired},
		{name: "older than max age", token: old, code: CodeTokenTooOld},
		{name: "no subject", token: noSubject, code: CodeTokenInvalid},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.Verify(tc.token)
			require.Error(t, err)
			assert.Equal(t, tc.code, CodeOf(err))
		})
	}

	_, err = g.Verify(valid)
	assert.NoError(t, err)
	clk.Step(49 * time.Hour)
	_, err = g.Verify(valid)
	assert.Equal(t, CodeTokenExpired, CodeOf(err))
}

func TestCheckFreshness(t *testing.T) {
	g, clk := newTestGate(t, nil)
	token, err := g.GenerateToken(Identity{UserID: "u1"})
	require.NoError(t, err)
	id, err := g.Verify(token)
	require.NoError(t, err)

	assert.NoError(t, g.CheckFreshness(id))
	clk.Step(50 * time.Minute)
	assert.NoError(t, g.CheckFreshness(id))
	clk.Step(11 * time.Minute)
	assert.Equal(t, CodeSessionStale, CodeOf(g.CheckFreshness(id)))
	assert.Equal(t, CodeTokenMissing, CodeOf(g.CheckFreshness(nil)))
}

func TestNewGateRejectsAsymmetricAlgorithms(t *testing.T) {
	_, err := NewGate(Config{Secret: "s", Algorithms: []string{"RS256"}}, nil)
	assert.Error(t, err)
	_, err = NewGate(Config{}, nil)
	assert.Error(t, err)
}

func TestExtractTokenPriority(t *testing.T) {
	testCases := []struct {
		name     string
		header   string
		protocol string
		query    string
		token    string
		source   string
	}{
		{name: "header wins over everything", header: "Bearer h", protocol: "access_token, p", query: "q", token: "h", source: SourceHeader},
		{name: "header prefix is case insensitive", header: "bearer h", token: "h", source: SourceHeader},
		{name: "handshake payload beats query", protocol: "access_token, p", query: "q", token: "p", source: SourceProtocol},
		{name: "handshake payload among other protocols", protocol: "json, access_token, p", token: "p", source: SourceProtocol},
		{name: "query is last resort", query: "q", token: "q", source: SourceQuery},
		{name: "non bearer header is ignored", header: "Basic abc", query: "q", token: "q", source: SourceQuery},
		{name: "marker without token", protocol: "access_token", token: "", source: ""},
		{name: "nothing", token: "", source: ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			url := "/ws"
			if tc.query != "" {
				url += "?token=" + tc.query
			}
			r := httptest.NewRequest("GET", url, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if tc.protocol != "" {
				r.Header.Set("Sec-WebSocket-Protocol", tc.protocol)
			}
			token, source := ExtractToken(r)
			assert.Equal(t, tc.token, token)
			assert.Equal(t, tc.source, source)
		})
	}
}
