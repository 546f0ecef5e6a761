package portal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	request := AuthorisationRequest{
		MACAddress:            "aa:bb:cc:dd:ee:ff",
		AccessPointMACAddress: "11:22:33:44:55:66",
		SiteIdentifier:        "orpheum-guest",
		IP:                    "192.168.1.50",
	}

	assert.Equal(t, "aa:bb:cc:dd:ee:ff:11:22:33:44:55:66:192.168.1.50:orpheum-guest", request.ID())
}

func TestRequestIDAbsentFields(t *testing.T) {
	request := AuthorisationRequest{IP: "192.168.1.50", SiteIdentifier: "orpheum-guest"}

	// Absent fields still contribute their separator so IDs from partial
	// identities cannot collide with full ones.
	assert.Equal(t, "::192.168.1.50:orpheum-guest", request.ID())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		request AuthorisationRequest
		wantErr error
	}{
		{
			name: "full identity",
			request: AuthorisationRequest{
				MACAddress:            "aa:bb:cc:dd:ee:ff",
				AccessPointMACAddress: "11:22:33:44:55:66",
				IP:                    "192.168.1.50",
			},
		},
		{
			name: "mac pair only",
			request: AuthorisationRequest{
				MACAddress:            "aa:bb:cc:dd:ee:ff",
				AccessPointMACAddress: "11:22:33:44:55:66",
			},
		},
		{
			name:    "ip only",
			request: AuthorisationRequest{IP: "192.168.1.50"},
		},
		{
			name:    "nothing",
			request: AuthorisationRequest{SiteIdentifier: "orpheum-guest"},
			wantErr: ErrMissingIdentity,
		},
		{
			name:    "device mac without ap mac",
			request: AuthorisationRequest{MACAddress: "aa:bb:cc:dd:ee:ff"},
			wantErr: ErrPartialMACPair,
		},
		{
			name:    "ap mac without device mac",
			request: AuthorisationRequest{AccessPointMACAddress: "11:22:33:44:55:66"},
			wantErr: ErrPartialMACPair,
		},
		{
			name: "partial mac pair with ip falls back on resolution",
			request: AuthorisationRequest{
				MACAddress: "aa:bb:cc:dd:ee:ff",
				IP:         "192.168.1.50",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestHasMACIdentity(t *testing.T) {
	assert.True(t, AuthorisationRequest{MACAddress: "a", AccessPointMACAddress: "b"}.HasMACIdentity())
	assert.False(t, AuthorisationRequest{MACAddress: "a"}.HasMACIdentity())
	assert.False(t, AuthorisationRequest{IP: "192.168.1.50"}.HasMACIdentity())
}

func TestOutcomeConstructors(t *testing.T) {
	request := AuthorisationRequest{IP: "192.168.1.50"}

	success := Success(request)
	assert.Equal(t, OutcomeSuccess, success.Outcome)
	assert.Empty(t, success.Message)

	failure := Failure(request, "Http request failure")
	assert.Equal(t, OutcomeFailed, failure.Outcome)
	assert.Equal(t, "Http request failure", failure.Message)
}

func TestOutcomeWireFormat(t *testing.T) {
	outcome := Failure(AuthorisationRequest{
		MACAddress:     "aa:bb:cc:dd:ee:ff",
		SiteIdentifier: "orpheum-guest",
	}, "Unable to resolve device by IP")

	data, err := json.Marshal(outcome)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "FAILED", decoded["outcome"])
	assert.Equal(t, "Unable to resolve device by IP", decoded["message"])
	request := decoded["request"].(map[string]any)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", request["macAddress"])
	assert.Equal(t, "orpheum-guest", request["siteIdentifier"])
}
