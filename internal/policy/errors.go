package policy

import xerrors "github.com/kledx/shll-sub001/internal/errors"

const (
	CodeSchemaNotFound xerrors.Code = "SCHEMA_NOT_FOUND"
	CodePolicyNotFound xerrors.Code = "POLICY_NOT_FOUND"
	CodePolicyFrozen   xerrors.Code = "POLICY_FROZEN"
	CodeExceedsCeiling xerrors.Code = "EXCEEDS_CEILING"
	CodeInvalidParams  xerrors.Code = "INVALID_PARAMS"
)

func init() {
	xerrors.Register(CodeSchemaNotFound, xerrors.Attributes{Message: "schema not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodePolicyNotFound, xerrors.Attributes{Message: "policy not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodePolicyFrozen, xerrors.Attributes{Message: "policy version is frozen", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeExceedsCeiling, xerrors.Attributes{Message: "value exceeds ceiling", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeInvalidParams, xerrors.Attributes{Message: "invalid parameters", Severity: xerrors.SeverityInfo})
}
