package channels_test

import (
	"testing"

	"github.com/basket/go-offline/internal/channels"
	"github.com/basket/go-offline/internal/notify"
)

// Compile-time interface checks.
var (
	_ channels.Channel = (*channels.TelegramChannel)(nil)
	_ channels.Sharer  = (*channels.TelegramChannel)(nil)
	_ notify.Surface   = (*channels.TelegramChannel)(nil)
)

func TestTelegramChannel_Name(t *testing.T) {
	ch := channels.NewTelegramChannel(channels.TelegramOptions{Token: "fake-token"})
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramChannel_ShowWithoutBot(t *testing.T) {
	ch := channels.NewTelegramChannel(channels.TelegramOptions{Token: "fake-token", ChatID: 1})
	if err := ch.Show(t.Context(), &notify.Notification{ID: "n1", Title: "x"}); err == nil {
		t.Fatal("expected an error before the bot connects")
	}
	if err := ch.Share(t.Context(), "t", "x", ""); err == nil {
		t.Fatal("expected share to fail before the bot connects")
	}
}
