// kernel-repl starts a kernel on a notebook server, executes a snippet of
// code, prints the streamed output, and shuts the kernel down again.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Scusemua/go-utils/config"
	gologger "github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/jupyter-kernel-client/client"
	"github.com/scusemua/jupyter-kernel-client/jupyter"
	"github.com/scusemua/jupyter-kernel-client/messaging"
)

func main() {
	var (
		baseURL  = flag.String("base-url", "http://localhost:8888/", "HTTP base URL of the notebook server")
		token    = flag.String("token", "", "notebook server authorization token")
		specName = flag.String("kernel", "", "kernelspec name (server default when empty)")
		code     = flag.String("code", "print('hello')", "code to execute")
		timeout  = flag.Duration("timeout", 30*time.Second, "overall deadline")
		debug    = flag.Bool("debug", false, "display debug logs")
	)
	flag.Parse()

	if *debug {
		config.LogLevel = gologger.LOG_LEVEL_ALL
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	manager := client.NewKernelManager(&jupyter.ServerConnection{
		BaseURL: *baseURL,
		Token:   *token,
	}, client.ConnectionOptions{})

	kernel, err := manager.StartNew(ctx, *specName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start kernel: %v\n", err)
		os.Exit(1)
	}

	future, err := kernel.Execute(map[string]interface{}{"code": *code}, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to execute: %v\n", err)
		os.Exit(1)
	}

	future.OnIOPub(func(msg *messaging.Message) {
		if msg.Header.MsgType == messaging.StreamMessage {
			text, _ := msg.Content["text"].(string)
			fmt.Print(text)
		}
	})

	if _, err = future.Await(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "execution did not complete: %v\n", err)
		os.Exit(1)
	}

	if err = kernel.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to shut kernel down: %v\n", err)
		os.Exit(1)
	}
}
