package main

import (
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/musicbox/internal/bus"
	"github.com/sweeney/musicbox/internal/button"
	"github.com/sweeney/musicbox/internal/machine"
	"github.com/sweeney/musicbox/internal/portal"
	"github.com/sweeney/musicbox/internal/power"
	"github.com/sweeney/musicbox/internal/relay"
	"github.com/sweeney/musicbox/internal/status"
	"github.com/sweeney/musicbox/internal/telemetry"
)

// runLoop refreshes the status tracker on every tick, publishes a
// heartbeat once per heartbeat interval (0 disables it) and returns after
// publishing SHUTDOWN when a signal arrives.
func runLoop(publisher telemetry.Publisher, mqttStatus telemetry.ConnectionStatus, tracker *status.Tracker, refresh func(), heartbeat time.Duration, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal, logger logrus.FieldLogger) error {
	lastHeartbeat := now()

	for {
		select {
		case s := <-sig:
			logger.WithField("signal", s).Info("shutting down")
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			event := telemetry.SystemEvent{
				Timestamp: now(),
				Event:     telemetry.EventShutdown,
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				if refresh != nil {
					refresh()
				}
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, telemetry.EventShutdown, signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				logger.WithField("error", err).Warn("publish shutdown event")
			} else {
				logger.Info("published shutdown event")
			}
			return nil

		case <-tick:
			t := now()
			if refresh != nil {
				refresh()
			}

			if heartbeat <= 0 || t.Sub(lastHeartbeat) < heartbeat {
				continue
			}
			lastHeartbeat = t

			hb := telemetry.SystemEvent{
				Timestamp: t,
				Event:     telemetry.EventHeartbeat,
			}
			if tracker != nil {
				snap := tracker.Snapshot()
				logger.WithFields(logrus.Fields{
					"state":  snap.State,
					"uptime": snap.Uptime().Round(time.Second),
				}).Info("heartbeat")
				hb.RawPayload = status.FormatStatusEvent(snap, telemetry.EventHeartbeat, "")
			}
			if err := publisher.PublishSystem(hb); err != nil {
				logger.WithField("error", err).Warn("publish heartbeat")
			}
		}
	}
}

// statusSources are the components the tracker mirrors by polling.
type statusSources struct {
	media   interface{ Present() bool }
	network interface{ Online() bool }
	relay   interface{ State() relay.State }
	buttons interface{ Stats() button.Stats }
	bus     interface{ Stats() bus.Stats }
	machine interface {
		Counts() map[machine.Outcome]int64
	}
	portal interface{ State() portal.State }
	power  interface{ Last() (power.Profile, bool) }
	mqtt   telemetry.ConnectionStatus
}

func (s statusSources) refresh(t *status.Tracker) {
	var live status.Live
	if s.media != nil {
		live.MediaPresent = s.media.Present()
	}
	if s.network != nil {
		live.Online = s.network.Online()
	}
	if s.relay != nil {
		r := s.relay.State()
		live.Relay = status.RelayInfo{
			Connected: r.Connected,
			Playing:   r.Playing,
			User:      r.User,
			Track:     r.Track,
		}
	}
	if s.buttons != nil {
		st := s.buttons.Stats()
		live.Counts.Presses = st.Accepted
		live.Counts.LongPresses = st.LongPresses
	}
	if s.bus != nil {
		st := s.bus.Stats()
		live.Counts.BusDropped = st.Dropped
		live.Counts.BusUnmatched = st.Unmatched
	}
	if s.machine != nil {
		counts := s.machine.Counts()
		live.Counts.Outcomes = make(map[string]int64, len(counts))
		for o, n := range counts {
			live.Counts.Outcomes[o.String()] = n
		}
	}
	if s.portal != nil {
		live.PortalClients = s.portal.State().Clients
	}
	if s.power != nil {
		if p, ok := s.power.Last(); ok {
			live.PowerProfile = p.String()
		}
	}
	if s.mqtt != nil {
		live.MQTTConnected = s.mqtt.IsConnected()
	}
	t.SetLive(live)
}
