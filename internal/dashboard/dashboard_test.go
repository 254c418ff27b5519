package dashboard


import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sleexyz/localhostess/internal/discover"
)

func TestRenderHTMLListsServicesSorted(t *testing.T) {
	mapping := discover.Mapping{
		"web":  discover.ServiceEntry{Name: "web", Port: 3000},
		"api":  discover.ServiceEntry{Name: "api", Port: 4000},
		"auth": discover.ServiceEntry{Name: "auth", Port: 5000},
	}
	body := RenderHTML(mapping, time.Now().Add(-2*time.Minute))

	assert.Contains(t, body, "localhome")
	apiIdx := indexOf(body, "api")
	authIdx := indexOf(body, "auth")
	webIdx := indexOf(body, "web")
	assert.True(t, apiIdx < authIdx && authIdx < webIdx, "services should be listed alphabetically")
	assert.Contains(t, body, "ago")
}

func TestRenderHTMLEmptyMappingShowsPlaceholder(t *testing.T) {
	body := RenderHTML(discover.Mapping{}, time.Time{})
	assert.Contains(t, body, "NAME=myapp")
	assert.NotContains(t, body, "Last scanned")
}

func TestRenderPACMatchesSpecTemplate(t *testing.T) {
	body := RenderPAC(9090)
	assert.Contains(t, body, `host.indexOf(".") === -1`)
	assert.Contains(t, body, `.localhost:9090`)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
