package boot

import (
	"github.com/ggoodman/cgm-relay-go/bus"
	"github.com/ggoodman/cgm-relay-go/ddata"
	"github.com/ggoodman/cgm-relay-go/realtime"
	"github.com/ggoodman/cgm-relay-go/status"
)

// Gateway builds the realtime server over the context and subscribes it to
// processed snapshots and notifications. opts are applied after the
// defaults derived from the context.
func (c *Context) Gateway(opts ...realtime.Option) (*realtime.Server, error) {
	base := []realtime.Option{
		realtime.WithEvents(c.Bus),
		realtime.WithAlarmAcker(c.Notifications),
		realtime.WithSnapshots(c.DData),
		realtime.WithStatus(func(s *ddata.Snapshot) status.Info {
			return status.Build(c.Env, s, c.Plugins, c.opts.now())
		}),
		realtime.WithLogHandler(c.opts.logHandler),
		realtime.WithMetrics(c.opts.registerer),
	}
	srv, err := realtime.New(c.Authorization, c.Records, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	c.Bus.OnDataProcessed(func(ev bus.DataProcessedEvent) { srv.Update(ev.Snapshot) })
	c.Bus.OnNotification(func(ev bus.NotificationEvent) { srv.EmitNotification(ev.Notification) })
	return srv, nil
}

// StatusHandler returns the status endpoint handler.
func (c *Context) StatusHandler() *status.Handler {
	return status.NewHandler(c.Env, c.DData, c.Plugins,
		status.WithLogHandler(c.opts.logHandler),
		status.WithClock(c.opts.now),
	)
}

// Start runs the heartbeat until Close.
func (c *Context) Start() {
	c.Bus.Start(c.life, c.Env.Heartbeat())
}
