package app

import (
	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/internal/config"
	"github.com/opentalon/atlas/internal/plugin"
	"github.com/opentalon/atlas/internal/provider"
	"github.com/opentalon/atlas/internal/scheduler"
)

func providerConfigs(cfgs []config.ProviderConfig) []provider.Config {
	out := make([]provider.Config, len(cfgs))
	for i, c := range cfgs {
		out[i] = provider.Config{ID: c.ID, BaseURL: c.BaseURL, APIKey: c.APIKey, API: c.API}
	}
	return out
}

func pluginEntries(cfgs []config.CapabilityConfig) []plugin.Entry {
	out := make([]plugin.Entry, len(cfgs))
	for i, c := range cfgs {
		params := make([]capability.Parameter, len(c.Parameters))
		for k, p := range c.Parameters {
			params[k] = capability.Parameter{Name: p.Name, Type: p.Type, Description: p.Description, Required: p.Required}
		}
		out[i] = plugin.Entry{
			Name:        c.Name,
			Transport:   capability.Transport(c.Transport),
			Endpoint:    c.Endpoint,
			RemoteName:  c.RemoteName,
			Description: c.Description,
			Parameters:  params,
			Headers:     c.Headers,
			Enabled:     !c.Disabled,
		}
	}
	return out
}

func scheduleJobs(cfgs []config.ScheduleConfig) []scheduler.Job {
	out := make([]scheduler.Job, len(cfgs))
	for i, c := range cfgs {
		out[i] = scheduler.Job{Name: c.Name, Schedule: c.Schedule, Text: c.Text}
	}
	return out
}
