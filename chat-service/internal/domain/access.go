package domain

// CanAccessThread reports whether user may read or write thread. Staff and
// superusers cross tenant boundaries; everyone else must share the tenant.
func CanAccessThread(user *User, thread *Thread) bool {
	if user == nil || thread == nil {
		return false
	}
	if user.IsStaff || user.IsSuperuser {
		return true
	}
	return user.TenantID != nil && *user.TenantID == thread.TenantID
}

// CanAccessTenant is the tenant-level form of CanAccessThread.
func CanAccessTenant(user *User, tenantID uint) bool {
	if user == nil {
		return false
	}
	if user.IsStaff || user.IsSuperuser {
		return true
	}
	return user.TenantID != nil && *user.TenantID == tenantID
}
