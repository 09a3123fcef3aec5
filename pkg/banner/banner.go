// Package banner prints the process startup banner and role-specific
// status lines, adapted from the teacher's pkg/banner/banner.go.
package banner

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Print prints the startup ASCII banner followed by the role label as
// given (the commands pass "CLIENT" or "SERVER").
func Print(role string) {
	art := `
███████╗██████╗  ██████╗ ███████╗███████╗ █████╗ ██████╗ ██████╗ ██╗ ██████╗
██╔════╝██╔══██╗██╔════╝ ██╔════╝██╔════╝██╔══██╗██╔══██╗██╔══██╗██║██╔════╝
█████╗  ██║  ██║██║  ███╗█████╗  █████╗  ███████║██████╔╝██████╔╝██║██║
██╔══╝  ██║  ██║██║   ██║██╔══╝  ██╔══╝  ██╔══██║██╔══██╗██╔══██╗██║██║
███████╗██████╔╝╚██████╔╝███████╗██║     ██║  ██║██████╔╝██║  ██║██║╚██████╗
╚══════╝╚═════╝  ╚═════╝ ╚══════╝╚═╝     ╚═╝  ╚═╝╚═════╝ ╚═╝  ╚═╝╚═╝ ╚═════╝
`
	c := color.New(color.FgCyan, color.Bold)
	c.Println(art)

	fmt.Printf("   %s :: Multi-protocol edge proxy and reverse tunnel\n", role)
	fmt.Printf("   Start Time: %s\n", time.Now().Format(time.RFC1123))
	fmt.Println(strings.Repeat("-", 50))
}

// PrintClientStatus prints the tunnel client's post-startup summary.
func PrintClientStatus(serverAddr string, tls bool, mappingCount int) {
	color.Green("✓ Tunnel client started")
	fmt.Printf("   • Mode:         Client\n")
	fmt.Printf("   • Server:       %s\n", serverAddr)
	fmt.Printf("   • Mappings:     %d declared\n", mappingCount)
	status := "Plaintext"
	if tls {
		status = "TLS/Secure"
	}
	fmt.Printf("   • Transport:    %s\n", status)
	fmt.Println(strings.Repeat("-", 50))
}

// PrintServerStatus prints the tunnel server's post-startup summary.
func PrintServerStatus(listenAddr string, listenerCount int) {
	color.Green("✓ Edge server started")
	fmt.Printf("   • Mode:         Server\n")
	fmt.Printf("   • Tunnel accept: %s\n", listenAddr)
	fmt.Printf("   • Listeners:     %d configured\n", listenerCount)
	fmt.Println(strings.Repeat("-", 50))
}
