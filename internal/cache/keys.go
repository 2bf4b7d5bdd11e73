package cache

import "fmt"

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}

func AlertCooldownKey(code string) string {
	return fmt.Sprintf("alert:cooldown:%s", code)
}
