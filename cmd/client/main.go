// cmd/client hosts the interactive operator console.
// The console itself is an external collaborator to the core — it only
// calls the send API and FTQ operations exposed by internal/client.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	chatclient "github.com/hongjun500/chatrelay/internal/client"
	"github.com/hongjun500/chatrelay/internal/config"
	"github.com/hongjun500/chatrelay/internal/logging"
)

func main() {
	cfg := config.LoadClient()
	logging.SetLevel(cfg.LogLevel)
	log := logging.Named("main")

	mgr, err := chatclient.Connect(cfg, func(line string) {
		fmt.Println(line)
	})
	if err != nil {
		log.Error("could not connect", zap.Error(err))
		os.Exit(1)
	}
	defer mgr.Close()

	fmt.Println("connected. type /help for commands.")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" {
			break
		}
		if strings.HasPrefix(line, "/") {
			runCommand(mgr, line)
			continue
		}
		if err := mgr.SendText(line); err != nil {
			fmt.Println("send failed:", err)
		}
	}
}

func runCommand(mgr *chatclient.Manager, line string) {
	fields := strings.Fields(line)
	cmd := fields[0]
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch cmd {
	case "/help":
		printHelp()
	case "/file":
		if arg == "" {
			fmt.Println("usage: /file <path>")
			return
		}
		id := mgr.SendFile(arg)
		if id == 0 {
			fmt.Println("could not enqueue file:", arg)
			return
		}
		fmt.Println("queued with id", id)
	case "/queue":
		for _, item := range mgr.Snapshot() {
			fmt.Printf("#%d %-8s %s retries=%d %s\n", item.ID, item.State, item.Name, item.Retries, item.LastError)
		}
	case "/pause":
		mgr.Pause()
		fmt.Println("paused")
	case "/resume":
		mgr.Resume()
		fmt.Println("resumed")
	case "/cancel":
		id, ok := parseID(arg)
		if !ok || !mgr.Cancel(id) {
			fmt.Println("no such item:", arg)
			return
		}
		fmt.Println("canceled", id)
	case "/cancelall":
		if err := mgr.CancelAllAndReconnectFileChannel(); err != nil {
			fmt.Println("reconnect failed:", err)
			return
		}
		fmt.Println("all transfers canceled; file channel reconnected")
	case "/retry":
		id, ok := parseID(arg)
		if !ok || !mgr.Retry(id) {
			fmt.Println("no such item:", arg)
			return
		}
		fmt.Println("retrying", id)
	case "/sendhistory", "/history":
		if err := mgr.SendHistoryRequest(); err != nil {
			fmt.Println("history request failed:", err)
		}
	default:
		fmt.Println("unknown command:", cmd, "(type /help)")
	}
}

func parseID(s string) (uint64, bool) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func printHelp() {
	fmt.Println(`commands:
  /file <path>    queue a file for sending
  /queue          show the file transfer queue
  /history        request history replay (alias /sendhistory)
  /pause          pause the file transfer worker
  /resume         resume the file transfer worker
  /cancel <id>    cancel one queued or in-flight transfer
  /cancelall      cancel everything and reconnect the file channel
  /retry <id>     retry a failed transfer
  quit            disconnect
  anything else is sent as chat text`)
}
