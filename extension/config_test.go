package extension

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/connector"
)

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{NotifyTimeout: time.Second})

	assert.Equal(t, "/settlement", cfg.BasePath)
	assert.Equal(t, time.Second, cfg.NotifyTimeout)
	assert.Equal(t, settlement.DefaultLeaseDuration, cfg.LeaseDuration)
	assert.Equal(t, settlement.DefaultRequestRetention, cfg.RequestRetention)
	assert.Equal(t, connector.DefaultURL, cfg.Connector.URL)
	assert.Zero(t, cfg.SettleSweep)
}

func TestMergeConfigurations(t *testing.T) {
	yamlConfig := Config{
		BasePath:  "/ilp/settlement",
		Connector: connector.Config{URL: "http://connector:7771"},
	}
	programmatic := Config{
		DisableMigrate: true,
		BasePath:       "/ignored",
		SettleSweep:    time.Minute,
		Connector: connector.Config{
			URL:       "http://ignored",
			CreditURL: "http://credits:7771",
		},
	}

	cfg := mergeConfigurations(yamlConfig, programmatic)

	assert.True(t, cfg.DisableMigrate)
	assert.False(t, cfg.DisableRoutes)
	assert.Equal(t, "/ilp/settlement", cfg.BasePath)
	assert.Equal(t, time.Minute, cfg.SettleSweep)
	assert.Equal(t, "http://connector:7771", cfg.Connector.URL)
	assert.Equal(t, "http://credits:7771", cfg.Connector.CreditURL)
	assert.Equal(t, settlement.DefaultNotifyTimeout, cfg.NotifyTimeout)
}
