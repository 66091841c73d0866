// Command docrepo inspects and maintains document repository deployments.
package main

import "github.com/nimburion/docrepo/pkg/cli"

func main() {
	cli.Execute(cli.NewCommand(cli.Options{
		Name:        "docrepo",
		Description: "Document repository maintenance: configuration, health checks and schema migrations",
		ConfigPath:  "",
		EnvPrefix:   "APP",
	}))
}
