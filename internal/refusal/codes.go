package refusal

const (
	// Discovery.
	PackInvalidManifestLocation = "refuse.pack.invalid_manifest_location"
	PackInvalidCategory         = "refuse.pack.invalid_category"
	PackManifestParseFailed     = "refuse.pack.manifest_parse_failed"
	PackManifestInvalid         = "refuse.pack.manifest_invalid"
	PackDuplicateID             = "refuse.pack.duplicate_pack_id"
	PackIDMismatch              = "refuse.pack.pack_id_directory_mismatch"
	PackExecutableForbidden     = "refuse.pack.executable_content_forbidden"
	PackMissingDependency       = "refuse.pack.missing_dependency"
	PackInvalidDependency       = "refuse.pack.invalid_dependency_token"
	PackVersionIncompatibility  = "refuse.pack.version_incompatibility"
	PackCircularDependency      = "refuse.pack.circular_dependency"
	PackCanonicalHashMismatch   = "refuse.pack.canonical_hash_mismatch"
	PackNotFound                = "refuse.pack.not_found"

	// Bundles.
	BundleNotFound       = "refuse.bundle.not_found"
	BundleInvalid        = "refuse.bundle.invalid"
	BundleMissingPack    = "refuse.bundle.missing_required_pack"
	BundleEmptySelection = "refuse.bundle.empty_selection"
	BundleParseFailed    = "refuse.bundle.parse_failed"
	BundleIDMismatch     = "refuse.bundle.bundle_id_directory_mismatch"

	// Contributions.
	ContribUnsupportedType  = "refuse.pack_contrib.unsupported_type"
	ContribDuplicateID      = "refuse.pack_contrib.duplicate_id"
	ContribMissingID        = "refuse.pack_contrib.missing_id"
	ContribMissingPath      = "refuse.pack_contrib.missing_path"
	ContribPathOutsidePack  = "refuse.pack_contrib.path_outside_pack"
	ContribInvalidPayload   = "refuse.pack_contrib.invalid_payload_json"
	ContribPayloadNotObject = "refuse.pack_contrib.payload_not_object"

	// Schema / version.
	CompatxSchemaExampleInvalid = "refuse.compatx.schema_example_invalid"
	CompatxUnsupportedVersion   = "refuse.compatx.unsupported_schema_version"
	CompatxMigrationStub        = "refuse.compatx.migration_not_implemented"
	CompatxRegistryMismatch     = "refuse.compatx.schema_registry_mismatch"
	CompatxSchemaMissing        = "refuse.compatx.schema_missing"
	SchemaTypeMismatch          = "type_mismatch"
	SchemaRequiredMissing       = "required_missing"
	SchemaEnumMismatch          = "enum_mismatch"
	SchemaConstMismatch         = "const_mismatch"
	SchemaPatternMismatch       = "pattern_mismatch"
	SchemaUnknownTopLevelField  = "unknown_top_level_field"
	SchemaAdditionalProperty    = "additional_property"

	// Registry compile.
	RegistryCompilePrefix          = "refuse.registry_compile.invalid_"
	RegistryTruthSelectorForbidden = "refuse.registry_compile.truth_selector_forbidden"
	RegistryInvalidUISelector      = "refuse.registry_compile.invalid_ui_selector"
	RegistryIDMismatch             = "refuse.registry_compile.id_mismatch"
	RegistryUnknownEntryType       = "refuse.registry_compile.unknown_entry_type"
	RegistryDuplicateRow           = "refuse.registry_compile.duplicate_row"
	RegistryDanglingReference      = "refuse.registry_compile.dangling_reference"

	// Lockfile.
	LockfileMissingRequiredField = "refuse.lockfile.missing_required_field"
	LockfileInvalidVersion       = "refuse.lockfile.invalid_lockfile_version"
	LockfileInvalidResolvedPack  = "refuse.lockfile.invalid_resolved_pack_field"
	LockfileInvalidRegistryHash  = "refuse.lockfile.invalid_registry_hash"
	LockfilePackLockHashMismatch = "refuse.lockfile.pack_lock_hash_mismatch"
	LockfileParseFailed          = "refuse.lockfile.parse_failed"

	// Cache.
	CacheOutputHashMismatch = "refuse.cache.output_hash_mismatch"

	// Dist.
	DistBuildFailed                  = "REFUSE_DIST_BUILD_FAILED"
	DistMissingDirectory             = "REFUSE_DIST_MISSING_DIRECTORY"
	DistManifestMissing              = "REFUSE_DIST_MANIFEST_MISSING"
	DistManifestInvalidJSON          = "REFUSE_DIST_MANIFEST_INVALID_JSON"
	DistManifestNonCanonical         = "REFUSE_DIST_MANIFEST_NONCANONICAL"
	DistSchemaInvalid                = "REFUSE_DIST_SCHEMA_INVALID"
	DistLockfileMissing              = "REFUSE_DIST_LOCKFILE_MISSING"
	DistLockfileInvalid              = "REFUSE_DIST_LOCKFILE_INVALID"
	DistRegistryMissing              = "REFUSE_DIST_REGISTRY_MISSING"
	DistRegistryHashMismatch         = "REFUSE_DIST_REGISTRY_HASH_MISMATCH"
	DistPackMissing                  = "REFUSE_DIST_PACK_MISSING"
	DistFileMissing                  = "REFUSE_DIST_FILE_MISSING"
	DistFileHashMismatch             = "REFUSE_DIST_FILE_HASH_MISMATCH"
	DistUnlistedFile                 = "REFUSE_DIST_UNLISTED_FILE"
	DistContentHashMismatch          = "REFUSE_DIST_CONTENT_HASH_MISMATCH"
	DistRegistryChainMismatch        = "REFUSE_DIST_REGISTRY_CHAIN_MISMATCH"
	DistCompositeBaselineMismatch    = "REFUSE_DIST_COMPOSITE_BASELINE_MISMATCH"
	DistManifestRegistryHashMismatch = "REFUSE_DIST_MANIFEST_REGISTRY_HASH_MISMATCH"
	DistPackLockHashMismatch         = "REFUSE_DIST_PACK_LOCK_HASH_MISMATCH"
	DistBundleMismatch               = "REFUSE_DIST_BUNDLE_MISMATCH"
	DistNondeterministic             = "REFUSE_DIST_NONDETERMINISTIC"

	// Boot.
	BootLockfileMissing        = "REFUSE_LOCKFILE_MISSING"
	BootLockfileBundleMismatch = "REFUSE_LOCKFILE_BUNDLE_MISMATCH"
	BootLockfileHashInvalid    = "REFUSE_LOCKFILE_HASH_INVALID"
	BootRegistryHashMismatch   = "REFUSE_REGISTRY_HASH_MISMATCH"
	BootIdentityMutation       = "REFUSE_UNIVERSE_IDENTITY_MUTATION"
	BootAuthorityOriginInvalid = "REFUSE_AUTHORITY_ORIGIN_INVALID"
	BootSessionSpecInvalid     = "REFUSE_SESSION_SPEC_INVALID"
	BootSaveMissing            = "REFUSE_SAVE_MISSING"
	LawProfileNotFound         = "LAW_PROFILE_NOT_FOUND"
	LensNotFound               = "LENS_NOT_FOUND"
	ExperienceNotFound         = "EXPERIENCE_NOT_FOUND"
	ActivationPolicyNotFound   = "ACTIVATION_POLICY_NOT_FOUND"
	BudgetPolicyNotFound       = "BUDGET_POLICY_NOT_FOUND"
	FidelityPolicyNotFound     = "FIDELITY_POLICY_NOT_FOUND"
	LockfileMismatch           = "LOCKFILE_MISMATCH"
	PackIncompatible           = "PACK_INCOMPATIBLE"
	RegistryMismatch           = "REGISTRY_MISMATCH"

	// Observation / process.
	AuthorityContextInvalid = "AUTHORITY_CONTEXT_INVALID"
	LensInvalid             = "LENS_INVALID"
	LawProfileInvalid       = "LAW_PROFILE_INVALID"
	TruthModelInvalid       = "TRUTH_MODEL_INVALID"
	LensForbidden           = "LENS_FORBIDDEN"
	EntitlementMissing      = "ENTITLEMENT_MISSING"
	ProcessForbidden        = "PROCESS_FORBIDDEN"
	PrivilegeInsufficient   = "PRIVILEGE_INSUFFICIENT"
	ProcessInputInvalid     = "PROCESS_INPUT_INVALID"
	TargetNotFound          = "TARGET_NOT_FOUND"
	RegistryMissing         = "REGISTRY_MISSING"
	BudgetExceeded          = "BUDGET_EXCEEDED"
	ConservationViolation   = "CONSERVATION_VIOLATION"
	ShardTargetInvalid      = "SHARD_TARGET_INVALID"
	SRZShardInvalid         = "SRZ_SHARD_INVALID"
	ScriptInvalid           = "SCRIPT_INVALID"
	WindowNotFound          = "WINDOW_NOT_FOUND"
	WidgetNotFound          = "WIDGET_NOT_FOUND"
)

// RegistryInvalid returns the per-registry compile refusal code.
func RegistryInvalid(registry string) string {
	return RegistryCompilePrefix + registry
}
