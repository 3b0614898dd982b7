package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type HeadersConfig struct {
	// AllowedOrigins may embed the widget; empty or "*" allows any.
	AllowedOrigins []string
	IsDevelopment  bool
}

func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	ancestors := "*"
	if origins := strings.Join(cfg.AllowedOrigins, " "); origins != "" && origins != "*" {
		ancestors = "'self' " + origins
	}

	csp := "default-src 'none'; " +
		"connect-src 'self' " + connectSrc(cfg.AllowedOrigins) + "; " +
		"frame-ancestors " + ancestors + "; " +
		"base-uri 'none'; " +
		"form-action 'none'"

	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if !cfg.IsDevelopment {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Set("Content-Security-Policy", csp)

		return c.Next()
	}
}

// ParseOrigins splits a comma separated origin list.
func ParseOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func connectSrc(origins []string) string {
	var b strings.Builder
	for _, origin := range origins {
		if origin == "*" {
			continue
		}
		b.WriteString(origin)
		b.WriteByte(' ')
	}
	return strings.TrimSpace(b.String())
}
