package migration

// Registry holds the two unordered collections of migration steps —
// SQL scripts and Go-code migrations — and rejects duplicate versions
// within either family, plus duplicate names within the code family.
// It is conceptually immutable after SetCodeSteps has been called: a
// Registry is built once at program start and then only read.
type Registry struct {
	sqlSteps  []SqlStep
	codeSteps []CodeStep
}

// newRegistry builds a Registry from the SQL step collection supplied
// by the backend driver (or build-time embed), checking for duplicate
// versions within the SQL family.
func newRegistry(sqlSteps []SqlStep) (*Registry, error) {
	seen := make(map[Version]struct{}, len(sqlSteps))
	for _, s := range sqlSteps {
		if _, ok := seen[s.Version]; ok {
			return nil, &DuplicateVersionError{Version: s.Version, Family: "sql"}
		}
		seen[s.Version] = struct{}{}
	}

	return &Registry{sqlSteps: sqlSteps}, nil
}

// setCodeSteps installs the code step collection, checking for
// duplicate versions and duplicate names within the code family.
func (r *Registry) setCodeSteps(codeSteps []CodeStep) error {
	seenVersion := make(map[Version]struct{}, len(codeSteps))
	seenName := make(map[string]struct{}, len(codeSteps))
	for _, c := range codeSteps {
		if _, ok := seenVersion[c.Version]; ok {
			return &DuplicateVersionError{Version: c.Version, Family: "code"}
		}
		seenVersion[c.Version] = struct{}{}

		if _, ok := seenName[c.Name]; ok {
			return &DuplicateVersionError{Version: c.Version, Family: "code name " + c.Name}
		}
		seenName[c.Name] = struct{}{}
	}

	r.codeSteps = codeSteps
	return nil
}

// ordered returns the merged, sorted step stream filtered to
// version <= upTo, with down steps already removed.
func (r *Registry) ordered(upTo Version) []NextStep {
	return orderSteps(r.sqlSteps, r.codeSteps, upTo)
}
