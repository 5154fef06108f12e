package channel

import "github.com/gin-gonic/gin"

// NoticeCookie is the default cookie notices travel in.
const NoticeCookie = "reconciler_notice"

// Notices hands a one-shot message to the storefront page the shopper is
// redirected to.
type Notices struct {
	Cookie string
	MaxAge int
}

func (n Notices) cookie() string {
	if n.Cookie == "" {
		return NoticeCookie
	}
	return n.Cookie
}

// Add sets the notice on the response.
func (n Notices) Add(c *gin.Context, message string) {
	maxAge := n.MaxAge
	if maxAge <= 0 {
		maxAge = 60
	}
	c.SetCookie(n.cookie(), message, maxAge, "/", "", false, true)
}

// Read returns the notice carried by the request, if any.
func (n Notices) Read(c *gin.Context) (string, bool) {
	raw, err := c.Cookie(n.cookie())
	if err != nil || raw == "" {
		return "", false
	}
	return raw, true
}
