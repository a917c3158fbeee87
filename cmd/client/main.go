package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/replex/params"
	"github.com/uhyunpark/replex/pkg/orderbook"
	"github.com/uhyunpark/replex/pkg/p2p"
	"github.com/uhyunpark/replex/pkg/wire"
)

const submitTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "usage: client <quantity> <buy|sell> <price>")
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2], os.Args[3]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(qtyArg, sideArg, priceArg string) error {
	qty, err := decimal.NewFromString(qtyArg)
	if err != nil {
		return fmt.Errorf("quantity: %w", err)
	}
	price, err := decimal.NewFromString(priceArg)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	side, err := orderbook.ParseSide(sideArg)
	if err != nil {
		return err
	}

	cfg := params.LoadFromEnv("")
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	net, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
		ListenAddr: "/ip4/0.0.0.0/tcp/0",
		Bootstrap:  cfg.Node.Bootstrap,
		EnableMDNS: cfg.Node.EnableMDNS,
	})
	if err != nil {
		return err
	}
	defer net.Close()

	o := orderbook.Order{
		ID:        orderbook.OrderID(strconv.Itoa(rand.IntN(100) + 1)),
		Symbol:    cfg.Market.Symbol,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Timestamp: time.Now().UnixMilli(),
	}
	fmt.Printf("Submitting order %s: %s %s @ %s\n", o.ID, side, qty, price)

	var ack wire.OrderAck
	for {
		err = net.Request(ctx, p2p.ExchangeService, wire.AddOrder{ClientID: net.Self(), Order: o}, &ack)
		// Peers found over mDNS show up a moment after start.
		if !errors.Is(err, p2p.ErrNoInstance) {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no exchange node found: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s (ref %s, seq %d)\n", ack.Message, ack.Ref, ack.Seq)
	for _, t := range ack.Trades {
		fmt.Printf("  trade: buy %s / sell %s  %s @ %s\n", t.BuyID, t.SellID, t.Quantity, t.Price)
	}
	if len(ack.Stale) > 0 {
		fmt.Printf("  warning: not replicated to %v\n", ack.Stale)
	}
	return nil
}
