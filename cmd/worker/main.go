package main

import (
	"github.com/hibiken/asynq"

	"github.com/vonychka/ekskyrsiadima/internal/common"
	"github.com/vonychka/ekskyrsiadima/internal/config"
	"github.com/vonychka/ekskyrsiadima/internal/notify"
	"github.com/vonychka/ekskyrsiadima/internal/obs"
)

func main() {
	cfg := config.MustLoad()

	logger := obs.NewLogger("json", "info").With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics("ekskursia", nil)

	var notifiers []notify.Notifier
	if cfg.NotifyEmailEnabled {
		notifiers = append(notifiers, notify.EmailNotifier{
			Mail: common.SMTPSender{
				Addr:     cfg.SMTPAddr,
				From:     cfg.SMTPFrom,
				Username: cfg.SMTPUsername,
				Password: cfg.SMTPPassword,
			},
			Enabled: true,
		})
	}
	if cfg.TelegramEnabled {
		tg, err := notify.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise telegram notifier")
		}
		notifiers = append(notifiers, tg)
	}
	if len(notifiers) == 0 {
		logger.Warn().Msg("no notification channels enabled; settled payments will be acknowledged only")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 5,
		Queues:      map[string]int{cfg.NotifyQueue: 1},
	})

	logger.Info().Str("queue", cfg.NotifyQueue).Msg("worker starting")
	if err := srv.Run(notify.NewMux(notifiers, logger)); err != nil {
		logger.Fatal().Err(err).Msg("run worker")
	}
}
