package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"enrolld/internal/enrollment/codec"
	"enrolld/internal/platform/config"
	"enrolld/internal/platform/logger"
	"enrolld/internal/platform/rabbitmq"
)

func newPublishCmd() *cobra.Command {
	var (
		file    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish enrollment messages to the queue",
		Long: "Reads one or more JSON enrollment messages from --file or stdin, checks that\n" +
			"each decodes, and publishes them with publisher confirms. Unroutable\n" +
			"messages fail the command. Useful for replaying dead-lettered messages.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			payloads, err := readPayloads(in)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return publishPayloads(ctx, cmd.OutOrStdout(), payloads)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file of JSON messages (default stdin)")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline including broker connect")
	return cmd
}

type payload struct {
	messageID string
	body      []byte
}

// readPayloads accepts concatenated or newline-delimited JSON objects and
// rejects the whole batch if any of them does not decode.
func readPayloads(r io.Reader) ([]payload, error) {
	dec := json.NewDecoder(r)
	var out []payload
	for i := 1; ; i++ {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		msg, err := codec.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, payload{messageID: msg.MessageID, body: bytes.Clone(raw)})
	}
	if len(out) == 0 {
		return nil, errors.New("no messages to publish")
	}
	return out, nil
}

func publishPayloads(ctx context.Context, w io.Writer, payloads []payload) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log.SlogLevel(), cfg.Log.Format)

	conn, err := rabbitmq.Dial(ctx, cfg.Rabbit.URL, cfg.Rabbit.ReconnectMax, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	topo := rabbitmq.Topology{Exchange: cfg.Rabbit.Exchange, Queue: cfg.Rabbit.Queue, RoutingKey: cfg.Rabbit.RoutingKey}
	if err := declare(conn, topo); err != nil {
		return err
	}
	pub, err := rabbitmq.NewPublisher(conn, cfg.Rabbit.PublishTimeout)
	if err != nil {
		return err
	}
	defer pub.Close()

	for _, p := range payloads {
		err := pub.Publish(ctx, topo.Exchange, topo.RoutingKey, amqp.Publishing{
			ContentType:  codec.ContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    p.messageID,
			Body:         p.body,
		})
		if err != nil {
			return fmt.Errorf("publish %s: %w", p.messageID, err)
		}
		fmt.Fprintf(w, "published %s\n", p.messageID)
	}
	return nil
}
