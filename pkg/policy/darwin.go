package policy

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
	"github.com/The-Promised-Neverland/storage-agent/pkg/utils"
)

type DarwinPolicy struct {
	unit serviceUnit
}

func (p *DarwinPolicy) ConfigureAutoStart() error {
	plistPath := p.plistPath()
	if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(plistPath, []byte(p.plistContent()), 0644); err != nil {
		return err
	}
	_, _ = utils.RunCommand("launchctl", "bootout", "system", plistPath)
	if _, err := utils.RunCommand("launchctl", "bootstrap", "system", plistPath); err != nil {
		return err
	}
	logger.Log.Info("launchd plist installed and loaded", "path", plistPath)
	return nil
}

func (p *DarwinPolicy) ConfigureRestartPolicy() error {
	logger.Log.Info("launchd restart policy enforced via KeepAlive")
	return nil
}

func (p *DarwinPolicy) plistPath() string {
	return filepath.Join("/Library/LaunchDaemons", p.unit.name+".plist")
}

func (p *DarwinPolicy) plistContent() string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
`)
	plistKey(&b, "Label", p.unit.name)
	b.WriteString("\t<key>ProgramArguments</key>\n\t<array>\n")
	fmt.Fprintf(&b, "\t\t<string>%s</string>\n\t\t<string>run</string>\n\t</array>\n", xmlText(p.unit.binaryPath))
	plistKey(&b, "WorkingDirectory", p.unit.workDir)
	if len(p.unit.env) > 0 {
		b.WriteString("\t<key>EnvironmentVariables</key>\n\t<dict>\n")
		for _, kv := range p.unit.env {
			k, v := splitEnv(kv)
			fmt.Fprintf(&b, "\t\t<key>%s</key>\n\t\t<string>%s</string>\n", xmlText(k), xmlText(v))
		}
		b.WriteString("\t</dict>\n")
	}
	b.WriteString("\t<key>RunAtLoad</key>\n\t<true/>\n\t<key>KeepAlive</key>\n\t<true/>\n")
	plistKey(&b, "ProcessType", "Background")
	b.WriteString("\t<key>SoftResourceLimits</key>\n\t<dict>\n\t\t<key>NumberOfFiles</key>\n\t\t<integer>65536</integer>\n\t</dict>\n")
	plistKey(&b, "StandardOutPath", "/var/log/"+sanitizeLabel(p.unit.name)+".out")
	plistKey(&b, "StandardErrorPath", "/var/log/"+sanitizeLabel(p.unit.name)+".err")
	b.WriteString("</dict>\n</plist>\n")
	return b.String()
}

func plistKey(b *strings.Builder, key, value string) {
	fmt.Fprintf(b, "\t<key>%s</key>\n\t<string>%s</string>\n", key, xmlText(value))
}

func xmlText(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func sanitizeLabel(label string) string {
	return strings.ReplaceAll(label, ".", "_")
}
