// SPDX-License-Identifier: GPL-3.0-or-later

package dtls

import (
	"testing"

	piondtls "github.com/pion/dtls/v3"
	"github.com/stretchr/testify/assert"
)

func TestCipherSuitePionMapping(t *testing.T) {
	cases := map[CipherSuite]piondtls.CipherSuiteID{
		CipherSuitePSKWithAES128CCM:            piondtls.TLS_PSK_WITH_AES_128_CCM,
		CipherSuitePSKWithAES128CCM8:           piondtls.TLS_PSK_WITH_AES_128_CCM_8,
		CipherSuitePSKWithAES128GCMSHA256:      piondtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
		CipherSuiteECDHEPSKWithAES128CBCSHA256: piondtls.TLS_ECDHE_PSK_WITH_AES_128_CBC_SHA256,
		CipherSuiteECDHEPSKWithAES256CBCSHA:    piondtls.TLS_ECDHE_PSK_WITH_AES_256_CBC_SHA,
	}
	for suite, want := range cases {
		assert.Equal(t, want, suite.pion())
	}
}

func TestCipherSuitePionMappingUnknown(t *testing.T) {
	var unknown CipherSuite = 99
	assert.Zero(t, unknown.pion())
}

func TestPionEngineName(t *testing.T) {
	assert.Equal(t, "pion", PionEngine{}.Name())
}
