// Command tunnelctl is a thin client for tunneld's control-plane command
// socket: it sends one newline-framed JSON command and prints the response.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	socketPath := flag.String("socket", "/var/run/tunneld/tunneld.sock", "Path to the control-plane command socket")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		return fmt.Errorf("usage: tunnelctl -socket <path> <Command> [Key=Value ...]")
	}

	data := map[string]any{}
	for _, kv := range args[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("argument %q is not Key=Value", kv)
		}
		data[k] = v
	}

	req := map[string]any{"Command": args[0]}
	if len(data) > 0 {
		req["Data"] = data
	}

	conn, err := net.Dial("unix", *socketPath)
	if err != nil {
		return fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()

	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		return fmt.Errorf("control socket closed without a response")
	}

	var pretty map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &pretty); err != nil {
		fmt.Println(scanner.Text())
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(scanner.Text())
		return nil
	}
	fmt.Println(string(out))
	return nil
}
