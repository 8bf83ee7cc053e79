package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"framebroker/internal/broker"
	"framebroker/internal/config"
	"framebroker/internal/logger"
)

const usage = `usage: brokeradmin [-dir DIR] [-topic TOPIC] <command> [args]

commands:
  topics                     list topics in DIR
  stats [-o text|json|yaml]  show header, counters and consumers
  slots                      show per-slot state
  kick <consumer-id>         disconnect a consumer and release its slot
  clean                      remove the topic's shared memory
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "brokeradmin:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("brokeradmin", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() { fmt.Fprint(out, usage) }
	dir := fs.String("dir", cfg.ShmDirectory, "shared memory directory")
	topic := fs.String("topic", cfg.Topic, "topic name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "topics":
		topics, err := broker.Topics(*dir)
		if err != nil {
			return err
		}
		for _, t := range topics {
			fmt.Fprintln(out, t)
		}
		return nil

	case "clean":
		if err := broker.Teardown(*dir, *topic); err != nil {
			return err
		}
		fmt.Fprintf(out, "removed topic %s\n", *topic)
		return nil

	case "stats", "slots", "kick":
		return withObserver(*dir, *topic, func(b *broker.Broker) error {
			switch cmd {
			case "stats":
				return stats(b, rest, out)
			case "slots":
				return slots(b, out)
			default:
				return kick(b, rest, out)
			}
		})
	}

	fs.Usage()
	return fmt.Errorf("unknown command %q", cmd)
}

func withObserver(dir, topic string, f func(*broker.Broker) error) error {
	opts := broker.DefaultOptions(topic, broker.RoleObserver, 0)
	opts.Dir = dir
	opts.Logger = logger.Nop()
	b, err := broker.Attach(opts)
	if err != nil {
		return err
	}
	defer b.Detach()
	return f(b)
}

func stats(b *broker.Broker, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(out)
	format := fs.String("o", "text", "output format: text, json or yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := b.Stats()
	if err != nil {
		return err
	}

	switch *format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(st)
	case "text":
		return writeStats(out, st)
	}
	return fmt.Errorf("unknown output format %q", *format)
}

func slots(b *broker.Broker, out io.Writer) error {
	st, err := b.Stats()
	if err != nil {
		return err
	}
	return writeSlots(out, st.Slots)
}

func kick(b *broker.Broker, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("kick needs exactly one consumer id")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("consumer id %q: %w", args[0], err)
	}

	kicked, err := b.Kick(id)
	if err != nil {
		return err
	}
	if kicked {
		fmt.Fprintf(out, "consumer %d kicked\n", id)
	} else {
		fmt.Fprintf(out, "consumer %d is not active\n", id)
	}
	return nil
}
