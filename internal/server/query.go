package server

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
)

const dateLayout = "2006-01-02"

// queryParams 收集查询参数，并拒绝白名单之外的键。
func queryParams(c fiber.Ctx, allowed ...string) (map[string]string, error) {
	params := make(map[string]string)
	var unknown []string
	c.Request().URI().QueryArgs().VisitAll(func(key, value []byte) {
		name := string(key)
		if !contains(allowed, name) {
			unknown = append(unknown, name)
			return
		}
		params[name] = string(value)
	})

	if len(unknown) > 0 {
		sort.Strings(unknown)
		msgs := make([]string, 0, len(unknown))
		for _, name := range unknown {
			msgs = append(msgs, fmt.Sprintf("property %s should not exist", name))
		}
		return nil, fiber.NewError(fiber.StatusBadRequest, strings.Join(msgs, "; "))
	}
	return params, nil
}

// validateDate 校验可选日期参数为 YYYY-MM-DD。
func validateDate(name, value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.Parse(dateLayout, value); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("%s must be a valid date (YYYY-MM-DD)", name))
	}
	return nil
}

// parseNatural 解析 natural 参数，缺省为 true。
func parseNatural(value string) (bool, error) {
	switch value {
	case "", "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fiber.NewError(fiber.StatusBadRequest, "natural must be a boolean value")
	}
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
