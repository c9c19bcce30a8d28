package auth

// permissions are strings like "qc:write", "job:read_own", "admin:*"
const (
	PermDatasetSubmit = "dataset:submit"
	PermQCRead        = "qc:read"
	PermQCWrite       = "qc:write"
	PermJobReadOwn    = "job:read_own"
	PermJobReadAll    = "job:read_all"
	PermJobInterrupt  = "job:interrupt"
	PermAdminAll      = "admin:*"
)

var roleToPerms = map[string][]string{
	"viewer":   {PermQCRead, PermJobReadOwn},
	"user":     {PermDatasetSubmit, PermQCRead, PermQCWrite, PermJobReadOwn},
	"operator": {PermDatasetSubmit, PermQCRead, PermQCWrite, PermJobReadAll, PermJobInterrupt},
	"admin":    {PermAdminAll},
}

func PermsForRoles(roles []string) map[string]struct{} {
	out := make(map[string]struct{}, 8)
	for _, r := range roles {
		if perms, ok := roleToPerms[r]; ok {
			for _, p := range perms {
				out[p] = struct{}{}
			}
		}
	}
	return out
}

// HasPerm reports whether any of roles grants perm. admin:* grants all.
func HasPerm(roles []string, perm string) bool {
	perms := PermsForRoles(roles)
	if _, ok := perms[PermAdminAll]; ok {
		return true
	}
	_, ok := perms[perm]
	return ok
}
