package main

import (
	"time"

	"github.com/0xef53/kvmfleet/internal/appconf"
	"github.com/0xef53/kvmfleet/internal/notify"

	log "github.com/sirupsen/logrus"
)

// newNotifier builds the sinks enabled in the [notify] section.
// Task events always go to the log.
func newNotifier(appConf *appconf.Config) (notify.Notifier, func(), error) {
	cfg := appConf.Notify

	sinks := notify.Multi{new(notify.LogNotifier)}

	var closers []func() error

	if len(cfg.WebhookURL) > 0 {
		sinks = append(sinks, &notify.Webhook{URL: cfg.WebhookURL, Timeout: 10 * time.Second})
	}

	if len(cfg.SMTPAddr) > 0 && len(cfg.SMTPTo) > 0 {
		sinks = append(sinks, &notify.SMTP{
			Addr:     cfg.SMTPAddr,
			From:     cfg.SMTPFrom,
			To:       cfg.SMTPTo,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
		})
	}

	if len(cfg.RedisAddr) > 0 {
		r := notify.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisChannel)

		sinks = append(sinks, r)
		closers = append(closers, r.Close)
	}

	if len(cfg.KafkaBrokers) > 0 {
		k, err := notify.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, log.WithField("notifier", "kafka"))
		if err != nil {
			for _, fn := range closers {
				fn()
			}
			return nil, nil, err
		}

		sinks = append(sinks, k)
		closers = append(closers, k.Close)
	}

	for _, s := range sinks {
		log.WithField("notifier", s.Name()).Debug("Notification channel enabled")
	}

	closeAll := func() {
		for _, fn := range closers {
			if err := fn(); err != nil {
				log.Warnf("Unable to close notifier: %s", err)
			}
		}
	}

	return sinks, closeAll, nil
}
