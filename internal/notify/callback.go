package notify

import (
	"fmt"
	"strings"
)

// Callback kinds carried in button values. The dispatcher is the only
// parser of inbound tokens.
const (
	CmdApprove              = "cmd_approve"
	CmdApproveTrust         = "cmd_approve_trust"
	CmdDeny                 = "cmd_deny"
	DangerousConfirm        = "dangerous_confirm"
	GrantApproveAll         = "grant_approve_all"
	GrantApproveSafe        = "grant_approve_safe"
	GrantDeny               = "grant_deny"
	TrustRevoke             = "trust_revoke"
	GrantRevoke             = "grant_revoke"
	AccountAddApprove       = "account_add_approve"
	AccountAddDeny          = "account_add_deny"
	AccountRemoveApprove    = "account_remove_approve"
	AccountRemoveDeny       = "account_remove_deny"
	DeployApprove           = "deploy_approve"
	DeployDeny              = "deploy_deny"
	UploadApprove           = "upload_approve"
	UploadApproveTrust      = "upload_approve_trust"
	UploadDeny              = "upload_deny"
	UploadBatchApprove      = "upload_batch_approve"
	UploadBatchApproveTrust = "upload_batch_approve_trust"
	UploadBatchDeny         = "upload_batch_deny"
)

var validKinds = map[string]bool{
	CmdApprove:              true,
	CmdApproveTrust:         true,
	CmdDeny:                 true,
	DangerousConfirm:        true,
	GrantApproveAll:         true,
	GrantApproveSafe:        true,
	GrantDeny:               true,
	TrustRevoke:             true,
	GrantRevoke:             true,
	AccountAddApprove:       true,
	AccountAddDeny:          true,
	AccountRemoveApprove:    true,
	AccountRemoveDeny:       true,
	DeployApprove:           true,
	DeployDeny:              true,
	UploadApprove:           true,
	UploadApproveTrust:      true,
	UploadDeny:              true,
	UploadBatchApprove:      true,
	UploadBatchApproveTrust: true,
	UploadBatchDeny:         true,
}

// EncodeCallback builds the opaque token for one button.
func EncodeCallback(kind, targetID string) string {
	return kind + "|" + targetID
}

// DecodeCallback splits and validates a token.
func DecodeCallback(token string) (kind, targetID string, err error) {
	kind, targetID, ok := strings.Cut(token, "|")
	if !ok || targetID == "" {
		return "", "", fmt.Errorf("malformed callback token %q", token)
	}
	if !validKinds[kind] {
		return "", "", fmt.Errorf("unknown callback kind %q", kind)
	}
	return kind, targetID, nil
}
