package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/loykin/frpvisor"
	"github.com/loykin/frpvisor/pkg/client"
)

// command binds CLI handlers to the global flags and an output writer.
type command struct {
	global *GlobalFlags
	out    io.Writer
}

func (c *command) apiClient() (*client.Client, error) {
	conf := client.DefaultConfig()
	base := c.global.APIUrl
	if base == "" && c.global.ConfigPath != "" {
		cfg, err := frpvisor.LoadConfig(c.global.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		base = apiURLFromConfig(cfg)
	}
	if base != "" {
		conf.BaseURL = base
	}
	if c.global.APITimeout > 0 {
		conf.Timeout = c.global.APITimeout
	}
	return client.New(conf), nil
}

// connect returns a client for a reachable daemon.
func (c *command) connect(ctx context.Context) (*client.Client, error) {
	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}
	if !api.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable - please start daemon first with 'frpvisor serve'")
	}
	return api, nil
}

// resolveID accepts either a numeric client id or a client name.
func resolveID(ctx context.Context, api *client.Client, ref string) (int64, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id, nil
	}
	rows, err := api.Clients(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		if r.Name == ref {
			return r.ID, nil
		}
	}
	return 0, fmt.Errorf("client %q not found", ref)
}

func (c *command) Status(ctx context.Context, f StatusFlags) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	var rows []client.ClientStatus
	if f.Client != "" {
		id, err := resolveID(ctx, api, f.Client)
		if err != nil {
			return err
		}
		row, err := api.Client(ctx, id)
		if err != nil {
			return err
		}
		rows = []client.ClientStatus{row}
	} else if rows, err = api.Clients(ctx); err != nil {
		return err
	}
	if f.JSON {
		return printJSON(c.out, rows)
	}
	return printStatusTable(c.out, rows)
}

func (c *command) Start(ctx context.Context, f StartFlags) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	id, err := resolveID(ctx, api, f.Client)
	if err != nil {
		return err
	}
	res, err := api.Start(ctx, id, f.ClearLog)
	if err != nil {
		return err
	}
	printResult(c.out, res)
	return nil
}

func (c *command) Stop(ctx context.Context, ref string) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	id, err := resolveID(ctx, api, ref)
	if err != nil {
		return err
	}
	res, err := api.Stop(ctx, id)
	if err != nil {
		return err
	}
	printResult(c.out, res)
	return nil
}

func (c *command) Restart(ctx context.Context, f RestartFlags) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	id, err := resolveID(ctx, api, f.Client)
	if err != nil {
		return err
	}
	res, err := api.Restart(ctx, id, f.Force, f.ClearLog)
	if err != nil {
		return err
	}
	printResult(c.out, res)
	return nil
}

func (c *command) ResetLimit(ctx context.Context, ref string) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	id, err := resolveID(ctx, api, ref)
	if err != nil {
		return err
	}
	if err := api.ResetRestartLimit(ctx, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "restart limit reset for client %d\n", id)
	return nil
}

func (c *command) ClientAdd(ctx context.Context, f ClientAddFlags) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	enabled := !f.Disabled
	req := client.ClientRequest{Name: &f.Name, ConfigPath: &f.ConfigPath, Enabled: &enabled, AlwaysOn: &f.AlwaysOn}
	out, err := api.AddClient(ctx, req)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "client %s registered with id %d\n", out.Name, out.ID)
	return nil
}

// Update patches a client; nil fields in req are left unchanged.
func (c *command) Update(ctx context.Context, ref string, req client.ClientRequest) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	id, err := resolveID(ctx, api, ref)
	if err != nil {
		return err
	}
	out, err := api.UpdateClient(ctx, id, req)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "client %s: enabled=%t always_on=%t\n", out.Name, out.Enabled, out.AlwaysOn)
	return nil
}

func (c *command) Alerts(ctx context.Context, f AlertsFlags) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	alerts, err := api.Alerts(ctx, f.Limit)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(c.out, alerts)
	}
	return printAlertsTable(c.out, alerts)
}

func (c *command) ResolveAlert(ctx context.Context, ref string) error {
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid alert id %q", ref)
	}
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if err := api.ResolveAlert(ctx, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "alert %d resolved\n", id)
	return nil
}

// Rotate runs one rotation sweep in-process against the configured logs dir.
func (c *command) Rotate(ctx context.Context) error {
	if c.global.ConfigPath == "" {
		return fmt.Errorf("config file required for rotate command. Use --config=config.toml")
	}
	cfg, err := frpvisor.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	// one-shot: no metrics, remote alert or history sinks
	cfg.Metrics.Enabled = false
	cfg.Alert.MQTT.Enabled = false
	cfg.History.Sinks = nil
	e, err := frpvisor.New(ctx, cfg, frpvisor.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()
	n, err := e.RotateLogs(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "rotated %d log(s)\n", n)
	return nil
}
