package mssql

// CredentialKind distinguishes the authentication methods a connection can
// use: SQL-auth username+password, Windows-integrated, explicit Windows
// credentials, or Azure AD token.
type CredentialKind int

const (
	CredentialSQLServer CredentialKind = iota
	CredentialWindowsIntegrated
	CredentialWindowsExplicit
	CredentialAzureADToken
)

// Credentials is a closed sum type over the four authentication methods the
// handshake driver knows how to encode into Login7. Windows-integrated and
// explicit-Windows both ultimately drive an SSPI exchange; the core only
// consumes an SSPIProvider.
type Credentials struct {
	Kind CredentialKind

	// SQL Server auth.
	Username string
	Password string

	// Explicit Windows credentials (domain\user + password); when Kind is
	// CredentialWindowsIntegrated, Domain/Username/Password are empty and
	// SSPIProvider is expected to use ambient OS credentials instead.
	Domain string

	// AzureADToken is the bearer token for CredentialAzureADToken, obtained
	// out-of-band (MSAL, workload identity, etc.) and handed to the core
	// verbatim — fetching it is out of scope.
	AzureADToken string

	// SSPI is consulted for CredentialWindowsIntegrated/CredentialWindowsExplicit.
	SSPI SSPIProvider
}

// SQLServerAuth builds SQL Server (username/password) credentials.
func SQLServerAuth(username, password string) Credentials {
	return Credentials{Kind: CredentialSQLServer, Username: username, Password: password}
}

// WindowsIntegratedAuth builds credentials that delegate entirely to the
// ambient OS identity via the supplied SSPIProvider.
func WindowsIntegratedAuth(sspi SSPIProvider) Credentials {
	return Credentials{Kind: CredentialWindowsIntegrated, SSPI: sspi}
}

// WindowsExplicitAuth builds credentials for a specific Windows principal.
func WindowsExplicitAuth(domain, username, password string, sspi SSPIProvider) Credentials {
	return Credentials{Kind: CredentialWindowsExplicit, Domain: domain, Username: username, Password: password, SSPI: sspi}
}

// AzureADTokenAuth builds credentials from a pre-fetched Azure AD access
// token, carried through the Login7 FedAuth feature extension.
func AzureADTokenAuth(token string) Credentials {
	return Credentials{Kind: CredentialAzureADToken, AzureADToken: token}
}

// SSPIProvider is the capability the handshake driver consumes to answer
// Sspi tokens during the login loop without the core
// depending on `golang.org/x/sys/windows` or any Kerberos library itself.
type SSPIProvider interface {
	// InitialToken returns the first SSPI blob to send (usually a
	// NEGOTIATE/NTLM or Kerberos AP-REQ token).
	InitialToken() ([]byte, error)
	// Continue feeds the server's challenge blob and returns the next
	// client blob, or ok=false once the exchange is complete.
	Continue(serverBlob []byte) (clientBlob []byte, ok bool, err error)
}

// obfuscatePassword implements the TDS Login7 password obfuscation: swap
// the high and low nibble of each byte, then XOR with 0xA5. This is not encryption — it exists only to keep the password
// from appearing in plaintext to a casual packet dump.
func obfuscatePassword(password string) []byte {
	utf16 := str2ucs2(password)
	for i, b := range utf16 {
		utf16[i] = ((b<<4)&0xff | (b >> 4)) ^ 0xA5
	}
	return utf16
}
