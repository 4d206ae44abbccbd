package mail

import (
	"fmt"
	"html"
)

const layout = `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px; background-color: #f9f9f9;">
  <div style="background-color: white; padding: 30px; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1);">
    <h2 style="color: #333; margin-top: 0;">%s</h2>
    <p>Hello %s,</p>
    %s
    <p style="margin-top: 20px;">Best regards,<br><strong>The Marketplace Team</strong></p>
  </div>
</div>`

func TemporaryPasswordTemplate(name, password string) string {
	body := fmt.Sprintf(`<p>Thank you for registering with us. Your account has been successfully created!</p>
    <p style="margin: 20px 0; padding: 15px; background-color: #f0f0f0; border-radius: 5px; font-family: monospace; font-size: 18px; font-weight: bold; text-align: center; color: #007bff;">
      Your Temporary Password: <span style="color: #28a745;">%s</span>
    </p>
    <p style="color: #dc3545; font-weight: bold;">Important: This temporary password will expire in 1 day (24 hours).</p>
    <p>Please use this password along with your email address to log in to your account. We recommend changing your password after your first login.</p>`,
		html.EscapeString(password))
	return fmt.Sprintf(layout, "Welcome to Marketplace!", html.EscapeString(name), body)
}

func PasswordResetTemplate(name, resetURL string) string {
	body := fmt.Sprintf(`<p>You requested a password reset for your account. Click the link below to reset your password:</p>
    <p><a href="%s" style="background-color: #007bff; color: white; padding: 10px 20px; text-decoration: none; border-radius: 5px;">Reset Password</a></p>
    <p>This link will expire in 10 minutes.</p>
    <p>If you didn't request this, please ignore this email.</p>`,
		html.EscapeString(resetURL))
	return fmt.Sprintf(layout, "Password Reset Request", html.EscapeString(name), body)
}

func PasswordChangedTemplate(name string) string {
	body := `<p>Your password has been successfully changed.</p>
    <p>If you didn't make this change, please contact our support team immediately.</p>`
	return fmt.Sprintf(layout, "Password Changed Successfully", html.EscapeString(name), body)
}
