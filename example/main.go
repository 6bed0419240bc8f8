// An order-taking bot that shows dialogs, typed callback buttons,
// middlewares and persistent storage.
//
// Run it with TELEGRAM_BOT_TOKEN set. Set CONVO_DB_ADDRESS to use MongoDB
// instead of the in-memory storage, CONVO_ADMIN_IDS to unlock /stats.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/maxbolgarin/contem"
	"github.com/maxbolgarin/convo"
	"github.com/maxbolgarin/lang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	stateDrink   convo.State = "order_drink"
	stateSize    convo.State = "order_size"
	stateConfirm convo.State = "order_confirm"
)

type drinkPayload struct {
	Name string `json:"n"`
}

type sizePayload struct {
	Size string `json:"s"`
}

type confirmPayload struct {
	OK bool `json:"ok"`
}

var (
	drinkCodec   = convo.NewCodec[drinkPayload]("order-drink")
	sizeCodec    = convo.NewCodec[sizePayload]("order-size")
	confirmCodec = convo.NewCodec[confirmPayload]("order-confirm")
)

type orderDraft struct {
	Drink string
	Size  string
}

func main() {
	ctx := contem.New(contem.WithSignals())
	defer ctx.Shutdown()

	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		panic("TELEGRAM_BOT_TOKEN is not set")
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var cfg convo.Config
	if err := cfg.Read(); err != nil {
		panic(err)
	}

	opts := []func(*convo.Options){
		convo.WithConfig(cfg),
		convo.WithLogger(log),
		convo.WithMetrics(convo.MetricsConfig{Registry: prometheus.DefaultRegisterer}),
	}

	if os.Getenv("CONVO_DB_ADDRESS") != "" {
		var dbCfg convo.DatabaseConfig
		if err := cleanenv.ReadEnv(&dbCfg); err != nil {
			panic(err)
		}
		storage, err := convo.NewMongoStorage(ctx, dbCfg, log)
		if err != nil {
			panic(err)
		}
		opts = append(opts, convo.WithStorage(storage))
	}

	b, err := convo.New(ctx, token, opts...)
	if err != nil {
		panic(err)
	}

	b.SetStartHandler(func(u convo.Update, c convo.Context) (convo.State, error) {
		if err := b.SetRegistered(ctx, u.UserID, true); err != nil {
			return convo.StateNone, err
		}
		_, err := c.Client().SendMessage(u.ChatID,
			"Welcome to the coffee point! Send /order to make an order.")
		return convo.StateNone, err
	})

	b.SetTextHandler(func(u convo.Update, c convo.Context) (convo.State, error) {
		_, err := c.Client().SendMessage(u.ChatID,
			"Send /order to make an order or /start to see the greeting again.")
		return convo.StateNone, err
	})

	b.Handle("/stats", func(u convo.Update, c convo.Context) (convo.State, error) {
		_, err := c.Client().SendMessage(u.ChatID,
			fmt.Sprintf("known users: %d", len(b.Users())))
		return convo.StateNone, err
	}, convo.AdminOnly(cfg.AdminIDs...), convo.DeleteAfter)

	if err := b.Mount(newOrderDialog()); err != nil {
		panic(err)
	}

	lang.Go(log, func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", nil); err != nil {
			log.Error("metrics server stopped", "error", err)
		}
	})

	b.Start()

	<-ctx.Done()
}

// newOrderDialog builds the /order flow: a drink, then a size, then a
// confirmation. The dialog survives restarts when MongoDB storage is
// configured, and any handler failure exits it with an apology instead of
// leaving the user stuck.
func newOrderDialog() *convo.Conversation {
	return convo.NewConversation("order").
		Entry("/order", askDrink).
		OnState(stateDrink, convo.Inject(drinkCodec, saveDrink)).
		OnState(stateSize, convo.Inject(sizeCodec, saveSize)).
		OnState(stateConfirm, convo.Inject(confirmCodec, finishOrder)).
		Fallback(cancelOrder).
		Persistent().
		Use(convo.ExitConversationOnError()).
		MustBuild()
}

func askDrink(u convo.Update, c convo.Context) (convo.State, error) {
	kb, err := convo.InlineFromCodec(drinkCodec, 2,
		func(d drinkPayload) string { return d.Name },
		drinkPayload{Name: "Espresso"},
		drinkPayload{Name: "Latte"},
		drinkPayload{Name: "Cappuccino"},
		drinkPayload{Name: "Tea"},
	)
	if err != nil {
		return convo.StateNone, err
	}
	if _, err := c.Client().SendMessage(u.ChatID, "What would you like?", kb); err != nil {
		return convo.StateNone, err
	}
	return stateDrink, nil
}

func saveDrink(u convo.Update, c convo.Context, d drinkPayload) (convo.State, error) {
	c.ChatData().Set(convo.ConversationDataKey, &orderDraft{Drink: d.Name})

	kb := convo.SingleRow(
		sizeCodec.MustBtn("Small", sizePayload{Size: "S"}),
		sizeCodec.MustBtn("Medium", sizePayload{Size: "M"}),
		sizeCodec.MustBtn("Large", sizePayload{Size: "L"}),
	)
	if _, err := c.Client().SendMessage(u.ChatID, "Which size?", kb); err != nil {
		return convo.StateNone, err
	}
	return stateSize, nil
}

func saveSize(u convo.Update, c convo.Context, s sizePayload) (convo.State, error) {
	draft := currentDraft(c)
	draft.Size = s.Size
	c.ChatData().Set(convo.ConversationDataKey, draft)

	kb := convo.SingleRow(
		confirmCodec.MustBtn("Confirm", confirmPayload{OK: true}),
		confirmCodec.MustBtn("Discard", confirmPayload{OK: false}),
	)
	text := fmt.Sprintf("%s (%s), correct?", draft.Drink, draft.Size)
	if _, err := c.Client().SendMessage(u.ChatID, text, kb); err != nil {
		return convo.StateNone, err
	}
	return stateConfirm, nil
}

func finishOrder(u convo.Update, c convo.Context, v confirmPayload) (convo.State, error) {
	text := "Order discarded."
	if v.OK {
		draft := currentDraft(c)
		text = fmt.Sprintf("Got it, one %s %s is coming!", draft.Size, draft.Drink)
	}
	if _, err := c.Client().SendMessage(u.ChatID, text); err != nil {
		return convo.StateNone, err
	}
	return convo.StateEnd, nil
}

// cancelOrder handles /cancel while the order dialog is active. Everything
// else is left to the regular bot handlers.
func cancelOrder(u convo.Update, c convo.Context) (convo.State, error) {
	if u.Command() != "/cancel" {
		return convo.StateNone, nil
	}
	if _, err := c.Client().SendMessage(u.ChatID, "Order canceled."); err != nil {
		return convo.StateNone, err
	}
	return convo.StateEnd, nil
}

func currentDraft(c convo.Context) *orderDraft {
	if v, ok := c.ChatData().Lookup(convo.ConversationDataKey); ok {
		if draft, ok := v.(*orderDraft); ok {
			return draft
		}
	}
	return &orderDraft{}
}
