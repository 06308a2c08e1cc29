package app

import (
	"context"
	"html"

	"taigabot/internal/eventbus"
	"taigabot/internal/locale"
	"taigabot/internal/notifier"
	"taigabot/internal/storage"
	kit "taigabot/internal/transport"
	"taigabot/internal/webhook"
	logx "taigabot/pkg/logx"
)

type adminSource interface {
	Admins(ctx context.Context) ([]storage.User, error)
}

// reporter tells admins about webhook messages the notifier gave up on.
type reporter struct {
	admins adminSource
	cat    *locale.Catalog
	sender webhook.Sender
	log    logx.Logger
}

func (r *reporter) loop(bus eventbus.Bus) func(context.Context) {
	ch, unsub := bus.Subscribe(64, eventbus.NotifyFailed)
	return func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				ne, ok := ev.Data.(notifier.NotificationEvent)
				if !ok || !ne.Permanent || ne.InstanceID == 0 {
					continue
				}
				r.failed(ctx, ne)
			}
		}
	}
}

func (r *reporter) failed(ctx context.Context, ne notifier.NotificationEvent) int {
	admins, err := r.admins.Admins(ctx)
	if err != nil {
		r.log.Warn("list admins failed", logx.Err(err))
		return 0
	}
	data := map[string]any{
		"Instance": ne.InstanceID,
		"Chat":     ne.ChatID,
		"Error":    html.EscapeString(ne.Error),
	}
	sent := 0
	for _, u := range admins {
		lang := u.Language
		if lang == "" {
			lang = r.cat.Default()
		}
		err := r.sender.Notify(ctx, kit.Notification{
			Target:  kit.ChatTarget{ChatID: u.ID},
			Text:    r.cat.Text(lang, "report.delivery_failed", data),
			Options: &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
			Kind:    "report",
		})
		if err != nil {
			r.log.Warn("admin report not queued", logx.Int64("user_id", u.ID), logx.Err(err))
			continue
		}
		sent++
	}
	return sent
}
