package mitm


import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sleexyz/localhostess/internal/discover"
	"github.com/sleexyz/localhostess/internal/localca"
)

type fakeMapping struct {
	m discover.Mapping
}

func (f fakeMapping) Mapping(ctx context.Context) discover.Mapping { return f.m }
func (f fakeMapping) LastScan() time.Time                          { return time.Now() }

func TestGetOrCreateCoalescesConcurrentCallers(t *testing.T) {
	ca, err := localca.NewSelfSigned()
	require.NoError(t, err)

	var issueCount int32
	countingCA := &countingAuthority{inner: ca, count: &issueCount}

	r := New(countingCA, fakeMapping{m: discover.Mapping{}}, 9090, zap.NewNop())

	var wg sync.WaitGroup
	results := make([]*vserver, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vs, err := r.getOrCreate("app.localhost")
			require.NoError(t, err)
			results[i] = vs
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&issueCount))

	r.Close()
}

func TestGetOrCreateDifferentHostnamesGetDifferentServers(t *testing.T) {
	ca, err := localca.NewSelfSigned()
	require.NoError(t, err)

	r := New(ca, fakeMapping{m: discover.Mapping{}}, 9090, zap.NewNop())
	defer r.Close()

	a, err := r.getOrCreate("a.localhost")
	require.NoError(t, err)
	b, err := r.getOrCreate("b.localhost")
	require.NoError(t, err)

	assert.NotEqual(t, a.addr, b.addr)
}

type countingAuthority struct {
	inner localca.Authority
	count *int32
}

func (c *countingAuthority) MitmAvailable() bool { return c.inner.MitmAvailable() }

func (c *countingAuthority) GetCert(hostname string) (tls.Certificate, error) {
	atomic.AddInt32(c.count, 1)
	return c.inner.GetCert(hostname)
}
