package main

import "github.com/sly-net/netbox-remote-authn-ldap-authz/cmd/remoteauth/cmd"

func main() {
	cmd.Execute()
}
