package cli

import "github.com/gofiber/fiber/v3"

// createFiberConfig returns Fiber configuration. Prefork stays off: the
// queue workers and maintenance scheduler must run exactly once per
// deployment, not once per forked process.
func createFiberConfig(appName string) fiber.Config {
	return fiber.Config{
		AppName: appName,
		// Use X-Forwarded-For to get real client IP behind reverse proxy
		ProxyHeader: fiber.HeaderXForwardedFor,
	}
}
