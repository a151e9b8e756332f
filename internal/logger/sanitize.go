package logger

import "regexp"

// Redacted replaces credentials in logged strings.
const Redacted = "[REDACTED]"

var (
	// password=xxx, pwd=xxx, pass=xxx up to the next delimiter
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// user:pass@host inside URLs
	credentialsPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@`)

	// go-sql-driver/mysql DSNs: user:pass@tcp(host)
	mysqlDSNPattern = regexp.MustCompile(`^[^:/\s]+:[^@\s]*@(tcp|unix)\(`)
)

// SanitizeConnectionString removes credentials from a DSN or URI before it is logged.
func SanitizeConnectionString(dsn string) string {
	if dsn == "" {
		return ""
	}
	s := passwordPattern.ReplaceAllString(dsn, "${1}="+Redacted)
	s = credentialsPattern.ReplaceAllString(s, "://"+Redacted+"@")
	s = mysqlDSNPattern.ReplaceAllString(s, Redacted+"@${1}(")
	return s
}

// SanitizeError returns err's message with credentials removed.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeConnectionString(err.Error())
}
