package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/joescharf/advisor/internal/advisor"
)

// newAdvisor builds the configured model provider, wrapped in the rate
// limiter when advisor.rate_limit is set.
func newAdvisor() (advisor.Advisor, error) {
	var (
		a      advisor.Advisor
		model  = viper.GetString("advisor.model")
		window = viper.GetInt("advisor.history_window")
	)

	switch provider := strings.ToLower(viper.GetString("advisor.provider")); provider {
	case "", "anthropic":
		a = advisor.NewAnthropic(viper.GetString("anthropic.api_key"), model, window)
	case "openai":
		a = advisor.NewOpenAI(viper.GetString("openai.api_key"), viper.GetString("openai.base_url"), model, window)
	default:
		return nil, fmt.Errorf("unknown advisor provider %q (want anthropic or openai)", provider)
	}

	limiter := advisor.NewLimiter(viper.GetFloat64("advisor.rate_limit"), viper.GetInt("advisor.rate_burst"))
	return advisor.RateLimited(a, limiter), nil
}
