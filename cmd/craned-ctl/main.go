// Command craned-ctl is a read-only operator inspection REPL: it talks to
// a running agent's loopback debug HTTP surface (internal/craned/debugapi)
// and prints job status, using github.com/chzyer/readline for history and
// line editing.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chzyer/readline"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8971", "agent debug address")
	flag.Parse()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "craned-ctl> ",
		HistoryFile: "/tmp/.craned-ctl_history",
	})
	if err != nil {
		fmt.Println("craned-ctl:", err)
		return
	}
	defer rl.Close()

	client := &http.Client{}
	base := "http://" + *addr

	fmt.Println("craned-ctl: connected to", base, "(commands: healthz, jobs, job <id>, quit)")
	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return
		case "healthz":
			get(client, base+"/healthz")
		case "jobs":
			get(client, base+"/jobs")
		case "job":
			if len(fields) != 2 {
				fmt.Println("usage: job <id>")
				continue
			}
			get(client, base+"/jobs/"+fields[1])
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func get(client *http.Client, url string) {
	resp, err := client.Get(url)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Println("error reading response:", err)
		return
	}

	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}
