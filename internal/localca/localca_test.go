package localca


import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCertCachesPerHostname(t *testing.T) {
	ca, err := NewSelfSigned()
	require.NoError(t, err)
	assert.True(t, ca.MitmAvailable())

	cert1, err := ca.GetCert("testapp.localhost")
	require.NoError(t, err)
	cert2, err := ca.GetCert("testapp.localhost")
	require.NoError(t, err)

	assert.Same(t, cert1.Leaf, cert2.Leaf, "repeated GetCert for the same hostname must return the cached leaf")
}

func TestGetCertDifferentHostnamesDiffer(t *testing.T) {
	ca, err := NewSelfSigned()
	require.NoError(t, err)

	certA, err := ca.GetCert("a.localhost")
	require.NoError(t, err)
	certB, err := ca.GetCert("b.localhost")
	require.NoError(t, err)

	assert.NotEqual(t, certA.Leaf.SerialNumber, certB.Leaf.SerialNumber)
	assert.Equal(t, []string{"a.localhost"}, certA.Leaf.DNSNames)
	assert.Equal(t, []string{"b.localhost"}, certB.Leaf.DNSNames)
}
