//go:build !linux

package platform

// On darwin and windows the OS prompts when capture starts, so the check here
// always passes.
func defaultPermissions() Permissions {
	return Granted
}
